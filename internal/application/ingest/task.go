package ingest

import (
	"sync"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
)

// Task polls one event kind and writes it under one history action.
type Task struct {
	Action   domain.Action
	Kind     string
	Interval time.Duration

	running sync.Mutex
}

// Stats summarizes one run.
type Stats struct {
	Fetched    int `json:"fetched"`
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Failed     int `json:"failed"`
}

var trackedKinds = []struct {
	action domain.Action
	kind   string
}{
	{domain.ActionRollDice, domain.KindRollDice},
	{domain.ActionChangeTurn, domain.KindTurnChanged},
	{domain.ActionBuy, domain.KindBuyDecision},
	{domain.ActionBalanceUpdated, domain.KindBalanceUpdated},
	{domain.ActionGameClosed, domain.KindGameClosed},
}
