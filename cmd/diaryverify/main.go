// Command diaryverify is a standalone tool for verifying diaryd audit
// bundles and diary databases.
//
// It needs no running client and no network, making it suitable for:
// - Offline verification of exported bundles
// - Third-party audits of a copied diary database
// - Automated compliance pipelines
//
// Usage:
//
//	diaryverify [flags] <bundle.json>
//	diaryverify [flags] -db <diary.db>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/integrity"
	"diaryd/internal/store"
)

var (
	// Version information (set at build time)
	version = "dev"
)

func main() {
	dbPath := flag.String("db", "", "verify a diary database instead of a bundle")
	formatStr := flag.String("format", "text", "output format: text, json")
	quiet := flag.Bool("quiet", false, "quiet mode - only the exit code reports the result")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "diaryverify - Verify diaryd audit bundles and databases\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <bundle.json>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [flags] -db <diary.db>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  everything verified\n")
		fmt.Fprintf(os.Stderr, "  1  usage or I/O error\n")
		fmt.Fprintf(os.Stderr, "  2  verification failed\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("diaryverify %s\n", version)
		os.Exit(0)
	}

	var outcome verifyOutcome
	switch {
	case *dbPath != "":
		outcome = verifyDatabase(*dbPath)
	case flag.NArg() == 1:
		outcome = verifyBundle(flag.Arg(0))
	default:
		flag.Usage()
		os.Exit(1)
	}

	if !*quiet {
		switch *formatStr {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcome); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		default:
			outcome.printText()
		}
	}
	if !outcome.OK {
		os.Exit(2)
	}
}

// verifyOutcome is the machine-readable verification report.
type verifyOutcome struct {
	OK        bool          `json:"ok"`
	Source    string        `json:"source"`
	Events    int           `json:"events"`
	Chains    int           `json:"chains"`
	Signature string        `json:"signature,omitempty"`
	Failures  []chainResult `json:"failures,omitempty"`
}

type chainResult struct {
	DeviceID string `json:"deviceId"`
	Detail   string `json:"detail"`
}

func (o verifyOutcome) printText() {
	fmt.Printf("Source: %s\n", o.Source)
	fmt.Printf("Events: %d across %d device chains\n", o.Events, o.Chains)
	if o.Signature != "" {
		fmt.Printf("Bundle signature: %s\n", o.Signature)
	}
	if o.OK {
		fmt.Println("Result: VERIFIED")
		return
	}
	fmt.Println("Result: FAILED")
	for _, f := range o.Failures {
		fmt.Printf("  device %s: %s\n", f.DeviceID, f.Detail)
	}
}

func verifyBundle(path string) verifyOutcome {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bundle: %v\n", err)
		os.Exit(1)
	}

	var bundle export.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing bundle: %v\n", err)
		os.Exit(1)
	}

	outcome := verifyOutcome{Source: path, Events: len(bundle.Events)}

	if err := export.VerifyBundle(&bundle); err != nil {
		outcome.Signature = "INVALID: " + err.Error()
		return outcome
	}
	outcome.Signature = "valid (key " + bundle.PublicKey[:16] + "...)"

	events, err := bundle.DecodeEvents()
	if err != nil {
		outcome.Failures = append(outcome.Failures, chainResult{Detail: err.Error()})
		return outcome
	}

	// Re-group by device and replay each chain.
	byDevice := make(map[uuid.UUID][]*event.Event)
	for _, e := range events {
		byDevice[e.DeviceID] = append(byDevice[e.DeviceID], e)
	}
	outcome.Chains = len(byDevice)
	outcome.OK = true
	for device, chain := range byDevice {
		sortByChainSeq(chain)
		if res := integrity.VerifyChain(chain); !res.OK {
			outcome.OK = false
			outcome.Failures = append(outcome.Failures, chainResult{
				DeviceID: device.String(),
				Detail:   res.String(),
			})
		}
	}
	return outcome
}

func sortByChainSeq(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].ChainSeq < events[j].ChainSeq
	})
}

func verifyDatabase(path string) verifyOutcome {
	s, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	report, err := integrity.VerifyStore(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error verifying database: %v\n", err)
		os.Exit(1)
	}

	outcome := verifyOutcome{
		Source: path,
		Events: report.Events,
		Chains: len(report.Chains),
		OK:     report.OK(),
	}
	for device, res := range report.Chains {
		if !res.OK {
			outcome.Failures = append(outcome.Failures, chainResult{
				DeviceID: device.String(),
				Detail:   res.String(),
			})
		}
	}
	return outcome
}
