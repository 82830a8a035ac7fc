package sink

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"diaryd/internal/event"
	"diaryd/internal/hashchain"
	syncpkg "diaryd/internal/sync"
)

// Server exposes the sink HTTP API:
//
//	POST /sync        bulk upload, idempotent by event id
//	POST /getRecords  bulk download, bearer auth
//	GET  /conflicts   unresolved conflicts for the resolution workflow
//	GET  /healthz     liveness
type Server struct {
	storage *Storage
	token   string
	secret  []byte
	schema  *jsonschema.Schema
	log     *slog.Logger
	router  *mux.Router
	now     func() time.Time
}

// ServerOption configures optional server behavior.
type ServerOption func(*Server)

// WithDeviceSecret enables batch signature enforcement: every upload must
// carry an HMAC over its event ids, keyed by the device key derived from
// this enrollment secret and the uploading device's id.
func WithDeviceSecret(secret []byte) ServerOption {
	return func(s *Server) { s.secret = secret }
}

// NewServer builds a sink server over the given storage. token is the bearer
// token every data route requires.
func NewServer(storage *Storage, token string, log *slog.Logger, opts ...ServerOption) (*Server, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.schema.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		storage: storage,
		token:   token,
		schema:  schema,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/sync", s.requireAuth(http.HandlerFunc(s.handleSync))).Methods(http.MethodPost)
	r.Handle("/getRecords", s.requireAuth(http.HandlerFunc(s.handleGetRecords))).Methods(http.MethodPost)
	r.Handle("/conflicts", s.requireAuth(http.HandlerFunc(s.handleConflicts))).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync ingests a batch of events. The whole batch is validated before
// anything is stored so a malformed record rejects the upload without
// persisting a partial, unvalidated batch.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var batch struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "decode batch: "+err.Error())
		return
	}

	type parsed struct {
		event *event.Event
		raw   []byte
	}
	events := make([]parsed, 0, len(batch.Records))
	for i, raw := range batch.Records {
		var instance any
		if err := json.Unmarshal(raw, &instance); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		if err := s.schema.Validate(instance); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		e, err := event.UnmarshalWire(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		events = append(events, parsed{event: e, raw: raw})
	}

	if len(s.secret) > 0 && len(events) > 0 {
		ids := make([]uuid.UUID, len(events))
		deviceID := events[0].event.DeviceID
		for i, p := range events {
			if p.event.DeviceID != deviceID {
				writeError(w, http.StatusForbidden, "signed batch spans devices")
				return
			}
			ids[i] = p.event.EventID
		}
		if err := s.verifyBatchSignature(r.Header.Get(syncpkg.SignatureHeader), deviceID, ids); err != nil {
			s.log.Warn("batch signature rejected", "device_id", deviceID, "error", err)
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	now := s.now()
	accepted, duplicates, conflicts := 0, 0, 0
	for _, p := range events {
		res, err := s.storage.Ingest(p.event, p.raw, now)
		if err != nil {
			s.log.Error("ingest failed", "event_id", p.event.EventID, "error", err)
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		if res.Created {
			accepted++
		} else {
			duplicates++
		}
		if res.Conflict != nil {
			conflicts++
			s.log.Warn("revision conflict detected",
				"parent_record_id", res.Conflict.ParentRecordID,
				"first", res.Conflict.FirstEventID,
				"second", res.Conflict.SecondEventID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"accepted":   accepted,
		"duplicates": duplicates,
		"conflicts":  conflicts,
	})
}

// verifyBatchSignature checks the upload's HMAC against the key derived for
// the uploading device. An error rejects the whole batch before anything is
// stored.
func (s *Server) verifyBatchSignature(header string, deviceID uuid.UUID, ids []uuid.UUID) error {
	if header == "" {
		return fmt.Errorf("missing batch signature")
	}
	raw, err := hex.DecodeString(header)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("malformed batch signature")
	}
	var sig [32]byte
	copy(sig[:], raw)

	key, err := hashchain.DeriveDeviceKey(s.secret, deviceID)
	if err != nil {
		return fmt.Errorf("derive device key: %w", err)
	}
	if !hashchain.VerifyBatch(key, ids, sig) {
		return fmt.Errorf("batch signature mismatch")
	}
	return nil
}

func (s *Server) handleGetRecords(w http.ResponseWriter, _ *http.Request) {
	payloads, err := s.storage.Events()
	if err != nil {
		s.log.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string][]json.RawMessage{"records": payloads})
}

func (s *Server) handleConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts, err := s.storage.Conflicts()
	if err != nil {
		s.log.Error("list conflicts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if conflicts == nil {
		conflicts = []*syncpkg.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string][]*syncpkg.Conflict{"conflicts": conflicts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
