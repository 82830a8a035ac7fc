package sink

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/hashchain"
	syncpkg "diaryd/internal/sync"
)

const testToken = "test-bearer-token"

func openTestServer(t *testing.T) (*Server, *Storage) {
	t.Helper()
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	srv, err := NewServer(storage, testToken, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, storage
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func wireBody(t *testing.T, events ...*event.Event) []byte {
	t.Helper()
	body, err := event.MarshalBatch(events)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return body
}

func makeEvent(t *testing.T, deviceID uuid.UUID, chainSeq int64, prev [32]byte, parent *uuid.UUID) *event.Event {
	t.Helper()
	at, err := event.ParseTimestamp("2025-10-15T14:30:00.000-05:00")
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	id := uuid.New()
	e := &event.Event{
		EventID:        id,
		RecordID:       id,
		ParentRecordID: parent,
		Payload:        event.Recorded{Start: at},
		DeviceID:       deviceID,
		UserID:         "patient-001",
		ClientTime:     at,
		ChainSeq:       chainSeq,
		PrevHash:       prev,
	}
	e.ThisHash = hashchain.Stamp(prev, e)
	return e
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv, _ := openTestServer(t)

	if rec := doJSON(t, srv, http.MethodPost, "/sync", "", []byte(`{"records":[]}`)); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status %d, want 401", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodPost, "/sync", "wrong-token", []byte(`{"records":[]}`)); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d, want 401", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health should not require auth: status %d", rec.Code)
	}
}

func TestSyncIngestAndDedupe(t *testing.T) {
	srv, storage := openTestServer(t)
	e := makeEvent(t, uuid.New(), 0, hashchain.Genesis, nil)
	body := wireBody(t, e)

	rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first upload: status %d: %s", rec.Code, rec.Body)
	}
	var first map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first["accepted"] != 1 || first["duplicates"] != 0 {
		t.Errorf("first upload counted %v", first)
	}

	// At-least-once delivery: the retry of the same batch is a no-op.
	rec = doJSON(t, srv, http.MethodPost, "/sync", testToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("second upload: status %d", rec.Code)
	}
	var second map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second["accepted"] != 0 || second["duplicates"] != 1 {
		t.Errorf("retry counted %v", second)
	}

	n, err := storage.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d events, want 1", n)
	}
}

func TestSyncVerifiesBatchSignature(t *testing.T) {
	secret := []byte("enrollment-secret")
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	srv, err := NewServer(storage, testToken, slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		WithDeviceSecret(secret))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	deviceID := uuid.New()
	e := makeEvent(t, deviceID, 0, hashchain.Genesis, nil)
	body := wireBody(t, e)

	doSigned := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(syncpkg.SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	if rec := doSigned("deadbeef"); rec.Code != http.StatusForbidden {
		t.Fatalf("garbage signature: status %d, want 403", rec.Code)
	}
	if rec := doSigned(""); rec.Code != http.StatusForbidden {
		t.Fatalf("missing signature: status %d, want 403", rec.Code)
	}

	otherKey, err := hashchain.DeriveDeviceKey(secret, uuid.New())
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	wrongSig := hashchain.SignBatch(otherKey, []uuid.UUID{e.EventID})
	if rec := doSigned(hex.EncodeToString(wrongSig[:])); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong device key: status %d, want 403", rec.Code)
	}

	if n, err := storage.EventCount(); err != nil || n != 0 {
		t.Fatalf("rejected uploads stored %d events (err %v), want 0", n, err)
	}

	key, err := hashchain.DeriveDeviceKey(secret, deviceID)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	sig := hashchain.SignBatch(key, []uuid.UUID{e.EventID})
	if rec := doSigned(hex.EncodeToString(sig[:])); rec.Code != http.StatusOK {
		t.Fatalf("valid signature: status %d: %s", rec.Code, rec.Body)
	}
	if n, err := storage.EventCount(); err != nil || n != 1 {
		t.Fatalf("stored %d events (err %v), want 1", n, err)
	}
}

func TestSyncRejectsMalformedBatchAtomically(t *testing.T) {
	srv, storage := openTestServer(t)
	good := makeEvent(t, uuid.New(), 0, hashchain.Genesis, nil)

	goodRaw, err := event.MarshalWire(good)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bad := []byte(`{"id": "not-a-uuid", "eventType": "recorded"}`)
	body, err := json.Marshal(map[string][]json.RawMessage{
		"records": {goodRaw, bad},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}

	// Validation runs over the whole batch before any insert.
	n, err := storage.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 0 {
		t.Errorf("partial batch persisted: %d events", n)
	}
}

func TestSchemaRejectsUnknownIntensity(t *testing.T) {
	srv, _ := openTestServer(t)
	e := makeEvent(t, uuid.New(), 0, hashchain.Genesis, nil)

	raw, err := event.MarshalWire(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw = bytes.Replace(raw, []byte(`"intensity":null`), []byte(`"intensity":"torrential"`), 1)
	body, _ := json.Marshal(map[string][]json.RawMessage{"records": {raw}})

	rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", rec.Code, rec.Body)
	}
}

func TestGetRecordsReturnsStoredPayloads(t *testing.T) {
	srv, _ := openTestServer(t)
	deviceID := uuid.New()
	e0 := makeEvent(t, deviceID, 0, hashchain.Genesis, nil)
	e1 := makeEvent(t, deviceID, 1, e0.ThisHash, nil)

	if rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, wireBody(t, e0, e1)); rec.Code != http.StatusOK {
		t.Fatalf("upload: status %d", rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, "/getRecords", testToken, []byte(`{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status %d", rec.Code)
	}

	events, err := event.UnmarshalBatch(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode download: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("downloaded %d events, want 2", len(events))
	}
	// The sink hands back exactly what was uploaded: original hashes and
	// chain positions, no re-stamping.
	if events[0].EventID != e0.EventID || events[0].ThisHash != e0.ThisHash {
		t.Error("first event was altered by the sink")
	}
	if events[1].PrevHash != e0.ThisHash {
		t.Error("chain linkage was altered by the sink")
	}
}

func TestConcurrentRevisionCreatesConflict(t *testing.T) {
	srv, storage := openTestServer(t)

	parent := makeEvent(t, uuid.New(), 0, hashchain.Genesis, nil)
	childA := makeEvent(t, uuid.New(), 0, hashchain.Genesis, &parent.RecordID)
	childB := makeEvent(t, uuid.New(), 0, hashchain.Genesis, &parent.RecordID)

	if rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, wireBody(t, parent, childA)); rec.Code != http.StatusOK {
		t.Fatalf("first upload: status %d", rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, "/sync", testToken, wireBody(t, childB))
	if rec.Code != http.StatusOK {
		t.Fatalf("second upload: status %d", rec.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if counts["conflicts"] != 1 {
		t.Fatalf("conflicts = %d, want 1", counts["conflicts"])
	}

	// Both children are retained despite the conflict.
	n, _ := storage.EventCount()
	if n != 3 {
		t.Errorf("stored %d events, want 3", n)
	}

	conflicts, err := storage.Conflicts()
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ParentRecordID != parent.RecordID {
		t.Error("conflict names the wrong parent")
	}
	if c.FirstEventID != childA.EventID || c.SecondEventID != childB.EventID {
		t.Error("conflict names the wrong children")
	}
	if c.Strategy != syncpkg.StrategyManual {
		t.Errorf("default strategy = %q, want manual", c.Strategy)
	}

	if err := storage.ResolveConflict(c.ID, syncpkg.StrategyClientWins); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	remaining, err := storage.Conflicts()
	if err != nil {
		t.Fatalf("conflicts after resolve: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("resolved conflict still listed")
	}
}

func TestIngestRetainsLateRevision(t *testing.T) {
	_, storage := openTestServer(t)
	now := time.Now()

	parent := makeEvent(t, uuid.New(), 0, hashchain.Genesis, nil)
	child := makeEvent(t, uuid.New(), 0, hashchain.Genesis, &parent.RecordID)

	for _, e := range []*event.Event{parent, child} {
		raw, err := event.MarshalWire(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		res, err := storage.Ingest(e, raw, now)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if !res.Created {
			t.Fatal("event not created")
		}
		if res.Conflict != nil {
			t.Fatal("single revision should not conflict")
		}
	}
}

func TestIngestAtomicOnFailedEventInsert(t *testing.T) {
	_, storage := openTestServer(t)
	now := time.Now()

	parentID := uuid.New()
	first := makeEvent(t, uuid.New(), 0, hashchain.Genesis, &parentID)
	firstRaw, err := event.MarshalWire(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := storage.Ingest(first, firstRaw, now); err != nil {
		t.Fatalf("ingest first child: %v", err)
	}

	// A second child of the same parent detects a conflict before its own
	// event row is written. Block that row to make the insert fail and
	// check the conflict row does not survive the rolled-back ingest.
	second := makeEvent(t, uuid.New(), 0, hashchain.Genesis, &parentID)
	secondRaw, err := event.MarshalWire(second)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	block := fmt.Sprintf(`
		CREATE TRIGGER block_second BEFORE INSERT ON events
		WHEN NEW.event_id = '%s'
		BEGIN SELECT RAISE(ABORT, 'blocked'); END`, second.EventID)
	if _, err := storage.db.Exec(block); err != nil {
		t.Fatalf("install blocking trigger: %v", err)
	}

	res, err := storage.Ingest(second, secondRaw, now)
	if err != nil {
		t.Fatalf("ingest second child: %v", err)
	}
	if res.Created {
		t.Fatal("blocked insert reported created")
	}

	conflicts, err := storage.Conflicts()
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("failed ingest left %d conflict rows, want 0", len(conflicts))
	}
	n, err := storage.EventCount()
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored %d events, want 1", n)
	}

	// With the trigger gone, the retry of the same upload lands whole.
	if _, err := storage.db.Exec(`DROP TRIGGER block_second`); err != nil {
		t.Fatalf("drop blocking trigger: %v", err)
	}
	res, err = storage.Ingest(second, secondRaw, now)
	if err != nil {
		t.Fatalf("retry ingest: %v", err)
	}
	if !res.Created || res.Conflict == nil {
		t.Fatalf("retry: created=%v conflict=%v, want created with conflict", res.Created, res.Conflict)
	}
	conflicts, err = storage.Conflicts()
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("retry left %d conflict rows, want 1", len(conflicts))
	}
}
