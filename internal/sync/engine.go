// Package sync reconciles the local event store with the remote sink.
//
// Sync is local-first and best-effort: a failed push or pull is logged and
// retried later, never surfaced as a failure of the local save it follows,
// and never allowed to block or roll back an append. Delivery is
// at-least-once; the sink deduplicates by event id.
package sync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/hashchain"
	"diaryd/internal/store"
)

// Errors
var (
	// ErrNetwork is any transport or non-2xx failure. Always recoverable
	// by retrying on the next opportunity.
	ErrNetwork = errors.New("sync: network failure")

	// ErrAuth means the sink rejected the bearer token or batch signature.
	ErrAuth = errors.New("sync: authentication failed")

	// ErrNoIdentity means no user id or auth token is available yet.
	ErrNoIdentity = errors.New("sync: identity unavailable")
)

// SignatureHeader carries the hex HMAC of a push batch's event ids.
const SignatureHeader = "X-Diaryd-Signature"

// Identity supplies attribution and credentials from the enrollment flow.
// Both return false until the patient is enrolled.
type Identity interface {
	UserID() (string, bool)
	AuthToken() (string, bool)
}

// Config holds the engine's tunables.
type Config struct {
	// Endpoint is the sink base URL.
	Endpoint string

	// BatchSize caps the number of events per push request.
	BatchSize int

	// Interval between periodic sync attempts in Run.
	Interval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithResolver sets the conflict resolution policy.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithDeviceKey enables HMAC batch signing with the given derived key.
func WithDeviceKey(key []byte) Option {
	return func(e *Engine) { e.deviceKey = key }
}

// WithApplied registers a hook invoked for every pulled event after it is
// appended locally, so the read-model index can be refreshed incrementally.
func WithApplied(fn func(*event.Event)) Option {
	return func(e *Engine) { e.onApplied = fn }
}

// Engine pushes unsynced local events to the sink and pulls remote-only
// events into the local store. It borrows a reference to the store and never
// bypasses the append-only contract; the store's writer lock is held only for
// local reads and appends, never across network I/O.
type Engine struct {
	store    *store.Store
	identity Identity
	cfg      Config

	client    *resty.Client
	log       *slog.Logger
	resolver  Resolver
	deviceKey []byte
	onApplied func(*event.Event)

	// interval holds the current Run period in nanoseconds; SetInterval
	// swaps it while Run is active.
	interval atomic.Int64
}

// New constructs an engine for the given store and identity provider.
func New(s *store.Store, identity Identity, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	e := &Engine{
		store:    s,
		identity: identity,
		cfg:      cfg,
		client:   resty.New().SetBaseURL(cfg.Endpoint).SetTimeout(30 * time.Second),
		log:      slog.Default(),
		resolver: ManualResolver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes one sync pass.
type Result struct {
	Pushed int
	Pulled int
}

// Push sends up to batchSize unsynced local events to the sink in one request
// and, on success, marks exactly those events synced. Events appended during
// the network round-trip stay unsynced for the next pass. A batchSize of zero
// or less uses the configured default.
func (e *Engine) Push(ctx context.Context, batchSize int) (int, error) {
	token, ok := e.identity.AuthToken()
	if !ok {
		return 0, ErrNoIdentity
	}
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	batch, err := e.store.Unsynced()
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if len(batch) > batchSize {
		batch = batch[:batchSize]
	}

	body, err := event.MarshalBatch(batch)
	if err != nil {
		return 0, err
	}

	ids := make([]uuid.UUID, len(batch))
	for i, ev := range batch {
		ids[i] = ev.EventID
	}

	req := e.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if e.deviceKey != nil {
		sig := hashchain.SignBatch(e.deviceKey, ids)
		req.SetHeader(SignatureHeader, hex.EncodeToString(sig[:]))
	}

	resp, err := req.Post("/sync")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return 0, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode())
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode())
	}

	// Mark exactly the events that were sent, not everything unsynced:
	// appends that raced the round-trip must remain unsynced.
	if err := e.store.MarkSynced(ids, time.Now()); err != nil {
		return 0, err
	}
	e.log.Debug("pushed events", "count", len(ids))
	return len(ids), nil
}

// Pull fetches the sink's events and appends the ones the local store does
// not yet have, preserving their original hash chains. Duplicates are skipped
// by event id. Cancellation between appends is safe: already-applied events
// are valid, idempotent appends.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	token, ok := e.identity.AuthToken()
	if !ok {
		return 0, ErrNoIdentity
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(`{}`)).
		Post("/getRecords")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return 0, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode())
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode())
	}

	remote, err := event.UnmarshalBatch(resp.Body())
	if err != nil {
		return 0, err
	}

	local, err := e.store.EventIDs()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, ev := range remote {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if _, ok := local[ev.EventID]; ok {
			continue
		}
		stored, err := e.store.AppendRemote(ev)
		if errors.Is(err, store.ErrDuplicateEvent) {
			continue
		}
		if errors.Is(err, store.ErrChainConflict) {
			// A forked device chain. Integrity verification will flag
			// the device; dropping the event silently would hide it.
			e.log.Warn("pulled event conflicts with local chain position",
				"event_id", ev.EventID, "device_id", ev.DeviceID, "chain_seq", ev.ChainSeq)
			continue
		}
		if err != nil {
			return applied, err
		}
		applied++
		if e.onApplied != nil {
			e.onApplied(stored)
		}
	}
	if applied > 0 {
		e.log.Debug("pulled events", "count", applied)
	}
	return applied, nil
}

// Sync runs one push/pull pass.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	var res Result
	pushed, err := e.Push(ctx, 0)
	res.Pushed = pushed
	if err != nil {
		return res, err
	}
	pulled, err := e.Pull(ctx)
	res.Pulled = pulled
	return res, err
}

// Conflicts fetches the sink's unresolved conflicts and runs each through the
// configured resolver, returning the conflicts with their decided strategies.
func (e *Engine) Conflicts(ctx context.Context) ([]*Conflict, error) {
	token, ok := e.identity.AuthToken()
	if !ok {
		return nil, ErrNoIdentity
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get("/conflicts")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode())
	}

	var body struct {
		Conflicts []*Conflict `json:"conflicts"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}

	for _, c := range body.Conflicts {
		strategy, err := e.resolver.Resolve(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
		}
		c.Strategy = strategy
	}
	return body.Conflicts, nil
}

// SetInterval updates the period between Run's sync passes. Safe to call
// while Run is active (config hot reload); non-positive values are ignored.
// The new interval applies from the next healthy tick.
func (e *Engine) SetInterval(d time.Duration) {
	if d > 0 {
		e.interval.Store(int64(d))
	}
}

// runInterval resolves the current period, falling back to the constructed
// config and then to a one-minute default.
func (e *Engine) runInterval() time.Duration {
	if d := time.Duration(e.interval.Load()); d > 0 {
		return d
	}
	if e.cfg.Interval > 0 {
		return e.cfg.Interval
	}
	return time.Minute
}

// Run performs periodic best-effort sync until ctx is cancelled. Failures
// back off exponentially and never propagate; the next local save is never
// gated on sync health. The period is re-read every tick so SetInterval
// takes effect without a restart.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	e.SetInterval(interval)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	wait := e.runInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if _, err := e.Sync(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			wait = bo.NextBackOff()
			e.log.Warn("sync failed, will retry", "error", err, "retry_in", wait)
			continue
		}
		bo.Reset()
		wait = e.runInterval()
	}
}
