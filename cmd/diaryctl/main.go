// diaryctl is the control CLI for a local diaryd event store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/config"
	"diaryd/internal/event"
	"diaryd/internal/export"
	"diaryd/internal/integrity"
	"diaryd/internal/logging"
	"diaryd/internal/materialize"
	"diaryd/internal/service"
	"diaryd/internal/store"
	syncpkg "diaryd/internal/sync"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "add":
		cmdAdd(flag.Args()[1:])
	case "no-bleed":
		cmdNoBleed(flag.Args()[1:])
	case "unknown":
		cmdUnknown(flag.Args()[1:])
	case "list":
		cmdList(flag.Args()[1:])
	case "delete":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl delete <record-id> <reason>")
			os.Exit(1)
		}
		cmdDelete(flag.Arg(1), flag.Arg(2))
	case "status":
		cmdStatus()
	case "sync":
		cmdSync()
	case "verify":
		cmdVerify()
	case "export":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: diaryctl export <signing-key> <output.json>")
			os.Exit(1)
		}
		cmdExport(flag.Arg(1), flag.Arg(2))
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `diaryctl - Control utility for a diaryd event store

Usage: diaryctl [options] <command> [args]

Commands:
  add               Record a nosebleed entry
  no-bleed          Confirm a day without nosebleeds
  unknown           Mark a day as unknown
  list              List current diary records
  delete <id> <why> Soft-delete a record (the log keeps it)
  status            Show store statistics and sync state
  sync              Run one push/pull pass against the sink
  verify            Verify every device hash chain
  export <key> <out> Write a signed audit bundle
  help              Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)

Identity comes from DIARYD_USER_ID and DIARYD_AUTH_TOKEN.`)
}

// envIdentity reads enrollment identity from the environment.
type envIdentity struct{}

func (envIdentity) UserID() (string, bool) {
	v := os.Getenv("DIARYD_USER_ID")
	return v, v != ""
}

func (envIdentity) AuthToken() (string, bool) {
	v := os.Getenv("DIARYD_AUTH_TOKEN")
	return v, v != ""
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	s, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return s
}

func deviceID(cfg *config.Config) uuid.UUID {
	if cfg.Device.DeviceID == "" {
		fmt.Fprintln(os.Stderr, "Error: device.device_id is not configured")
		os.Exit(1)
	}
	id, err := uuid.Parse(cfg.Device.DeviceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: device.device_id is not a UUID: %v\n", err)
		os.Exit(1)
	}
	return id
}

func openDiary(cfg *config.Config, s *store.Store) *service.Diary {
	log, _, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		FilePath:  cfg.Logging.FilePath,
		Component: "diaryctl",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	d, err := service.New(s, deviceID(cfg), envIdentity{}, service.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return d
}

func parseWhen(s string) event.Timestamp {
	if s == "" {
		return event.NewTimestamp(time.Now())
	}
	ts, err := event.ParseTimestamp(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad timestamp %q (want e.g. 2025-10-15T14:30:00.000-05:00): %v\n", s, err)
		os.Exit(1)
	}
	return ts
}

func cmdAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	start := fs.String("start", "", "start time (default: now)")
	end := fs.String("end", "", "end time (optional)")
	intensity := fs.String("intensity", "", "intensity: spotting, dripping, flowing, pouring, gushing, uncontrolled")
	notes := fs.String("notes", "", "free-text notes")
	fs.Parse(args)

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()
	d := openDiary(cfg, s)

	params := service.RecordParams{
		Start: parseWhen(*start),
		Notes: *notes,
	}
	if *end != "" {
		e := parseWhen(*end)
		params.End = &e
	}
	if *intensity != "" {
		i, err := event.ParseIntensity(*intensity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		params.Intensity = &i
	}

	r, err := d.AddRecord(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Recorded %s", r.RecordID)
	if r.IsIncomplete {
		fmt.Print(" (incomplete: add end time and intensity later)")
	}
	fmt.Println()
}

func cmdNoBleed(args []string) {
	fs := flag.NewFlagSet("no-bleed", flag.ExitOnError)
	at := fs.String("at", "", "day to confirm (default: now)")
	notes := fs.String("notes", "", "free-text notes")
	fs.Parse(args)

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()
	d := openDiary(cfg, s)

	r, err := d.AddNoBleedDay(parseWhen(*at), *notes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Confirmed no-nosebleed day: %s\n", r.RecordID)
}

func cmdUnknown(args []string) {
	fs := flag.NewFlagSet("unknown", flag.ExitOnError)
	at := fs.String("at", "", "day to mark (default: now)")
	fs.Parse(args)

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()
	d := openDiary(cfg, s)

	r, err := d.AddUnknownDay(parseWhen(*at))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Marked day unknown: %s\n", r.RecordID)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	all := fs.Bool("all", false, "include superseded and deleted events (raw log)")
	asJSON := fs.Bool("json", false, "emit JSON")
	fs.Parse(args)

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()
	d := openDiary(cfg, s)

	if *all {
		events, err := d.AllLocalRecords()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, e := range events {
			if *asJSON {
				raw, err := event.MarshalWire(e)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Println(string(raw))
				continue
			}
			printEvent(e)
		}
		return
	}

	records := d.RecordsOldestFirst()
	if len(records) == 0 {
		fmt.Println("No records.")
		return
	}
	for _, r := range records {
		if *asJSON {
			raw, err := event.MarshalWire(r.Event)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(raw))
			continue
		}
		printRecord(r)
	}
}

func printRecord(r *materialize.Record) {
	switch p := r.Event.Payload.(type) {
	case event.Recorded:
		line := fmt.Sprintf("%s  nosebleed  start %s", r.RecordID, p.Start)
		if p.End != nil {
			line += "  end " + p.End.String()
		}
		if p.Intensity != nil {
			line += "  " + string(*p.Intensity)
		}
		if r.IsIncomplete {
			line += "  [incomplete]"
		}
		fmt.Println(line)
	case event.NoBleed:
		fmt.Printf("%s  no-nosebleeds  %s\n", r.RecordID, p.At)
	case event.Unknown:
		fmt.Printf("%s  unknown  %s\n", r.RecordID, p.At)
	}
}

func printEvent(e *event.Event) {
	synced := "unsynced"
	if e.SyncedAt != nil {
		synced = "synced " + e.SyncedAt.Format(time.RFC3339)
	}
	fmt.Printf("%s  %-8s  chain %d  device %s  %s\n",
		e.EventID, e.Type(), e.ChainSeq, e.DeviceID, synced)
}

func cmdDelete(recordID, reason string) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad record id: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()
	d := openDiary(cfg, s)

	marker, err := d.DeleteRecord(id, reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %s (marker event %s)\n", id, marker.EventID)
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== diaryd Status ===")
	fmt.Println()

	fmt.Println("Database:")
	info, err := os.Stat(cfg.Storage.DatabasePath)
	if os.IsNotExist(err) {
		fmt.Println("  No database found")
		return
	}
	fmt.Printf("  Path: %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("  Size: %d bytes\n", info.Size())

	s := openStore(cfg)
	defer s.Close()

	events, err := s.ScanAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	devices, err := s.DeviceIDs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	unsynced, err := s.UnsyncedCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	live := materialize.Materialize(events, materialize.OldestFirst)

	fmt.Printf("  Events: %d (%d current records)\n", len(events), len(live))
	fmt.Printf("  Device chains: %d\n", len(devices))
	fmt.Println()

	fmt.Println("Sync:")
	if cfg.Sync.Endpoint == "" {
		fmt.Println("  Disabled (no endpoint configured)")
	} else {
		fmt.Printf("  Endpoint: %s\n", cfg.Sync.Endpoint)
		fmt.Printf("  Interval: %s\n", cfg.Sync.Interval())
	}
	fmt.Printf("  Unsynced events: %d\n", unsynced)
}

func cmdSync() {
	cfg := loadConfig()
	if cfg.Sync.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "Error: sync.endpoint is not configured")
		os.Exit(1)
	}

	s := openStore(cfg)
	defer s.Close()

	engine := syncpkg.New(s, envIdentity{}, syncpkg.Config{
		Endpoint:  cfg.Sync.Endpoint,
		BatchSize: cfg.Sync.BatchSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := engine.Sync(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pushed %d, pulled %d\n", res.Pushed, res.Pulled)
}

func cmdVerify() {
	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()

	report, err := integrity.VerifyStore(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Verified %d events across %d device chains\n", report.Events, len(report.Chains))
	if report.OK() {
		fmt.Println("All chains intact.")
		return
	}
	for device, res := range report.Chains {
		if !res.OK {
			fmt.Printf("FAIL device %s: %s\n", device, res)
		}
	}
	os.Exit(2)
}

func cmdExport(keyPath, outPath string) {
	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()

	key, err := export.LoadSigningKey(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading signing key: %v\n", err)
		os.Exit(1)
	}

	bundle, err := export.Export(s, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		os.Exit(1)
	}

	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, raw, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing bundle: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d events to %s\n", len(bundle.Events), outPath)
}
