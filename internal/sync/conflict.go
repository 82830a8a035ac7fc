package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Strategy tags how a divergence between two revisions of the same record
// should be resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Conflict is the sink-observed fact that two events from different devices
// both claim to revise the same record. Both events are retained in the log;
// the conflict only drives the resolution workflow.
type Conflict struct {
	ID             uuid.UUID       `json:"id"`
	ParentRecordID uuid.UUID       `json:"parentRecordId"`
	FirstEventID   uuid.UUID       `json:"firstEventId"`
	SecondEventID  uuid.UUID       `json:"secondEventId"`
	FirstPayload   json.RawMessage `json:"firstPayload"`
	SecondPayload  json.RawMessage `json:"secondPayload"`
	Strategy       Strategy        `json:"strategy"`
	DetectedAt     time.Time       `json:"detectedAt"`
	Resolved       bool            `json:"resolved"`
}

// Resolver decides the strategy for a conflict. The default policy is an
// explicit configuration choice; nothing in the sync engine auto-discards a
// revision.
type Resolver interface {
	Resolve(ctx context.Context, c *Conflict) (Strategy, error)
}

// ManualResolver defers every conflict to a human workflow.
type ManualResolver struct{}

func (ManualResolver) Resolve(context.Context, *Conflict) (Strategy, error) {
	return StrategyManual, nil
}

// StaticResolver always answers with a fixed, configured strategy.
type StaticResolver Strategy

func (s StaticResolver) Resolve(context.Context, *Conflict) (Strategy, error) {
	return Strategy(s), nil
}
