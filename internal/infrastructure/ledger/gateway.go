package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrExternalCall wraps every failure that originates at the ledger or the
// signing executor.
var ErrExternalCall = errors.New("ledger call failed")

// Cursor points at one event of the ledger log. Pages are resumed strictly
// after it.
type Cursor struct {
	TxDigest string `json:"txDigest"`
	EventSeq int64  `json:"eventSeq,string"`
}

type Event struct {
	ID          Cursor          `json:"id"`
	PackageID   string          `json:"packageId"`
	Module      string          `json:"transactionModule"`
	Sender      string          `json:"sender"`
	Type        string          `json:"type"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
	TimestampMs int64           `json:"timestampMs,string"`
}

type EventPage struct {
	Data        []Event `json:"data"`
	NextCursor  *Cursor `json:"nextCursor"`
	HasNextPage bool    `json:"hasNextPage"`
}

type ObjectPage struct {
	Data        []Object `json:"data"`
	NextCursor  *string  `json:"nextCursor"`
	HasNextPage bool     `json:"hasNextPage"`
}

// ActionPayload names a module function and its arguments. The executor
// builds, signs and submits the transaction.
type ActionPayload struct {
	Function  string `json:"function"`
	Arguments []any  `json:"arguments"`
}

type SubmitResult struct {
	Digest      string          `json:"digest"`
	Events      []Event         `json:"events"`
	Effects     json.RawMessage `json:"effects,omitempty"`
	TimestampMs int64           `json:"timestampMs,string"`
}

// EventsOfKind returns the submission's events whose struct name is kind.
func (r SubmitResult) EventsOfKind(kind string) []Event {
	out := make([]Event, 0)
	for _, e := range r.Events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

type Gateway interface {
	// QueryEvents returns one ascending page of events of eventType strictly
	// after cursor. A nil cursor starts from the beginning of the log.
	QueryEvents(ctx context.Context, eventType string, cursor *Cursor) (EventPage, error)
	QueryOwnedObjects(ctx context.Context, owner, structType string, cursor *string) (ObjectPage, error)
	MultiGet(ctx context.Context, ids []string) ([]Object, error)
	// SubmitAction performs one synchronous round trip through the executor.
	// It is never retried.
	SubmitAction(ctx context.Context, signer string, payload ActionPayload) (SubmitResult, error)
}

// DrainEvents follows pagination until the ledger reports no further pages.
func DrainEvents(ctx context.Context, gw Gateway, eventType string, cursor *Cursor) ([]Event, error) {
	events := make([]Event, 0)
	for {
		page, err := gw.QueryEvents(ctx, eventType, cursor)
		if err != nil {
			return events, err
		}
		events = append(events, page.Data...)
		if !page.HasNextPage || page.NextCursor == nil {
			return events, nil
		}
		if cursor != nil && *page.NextCursor == *cursor {
			// a node that keeps returning the same cursor would spin forever
			return events, nil
		}
		cursor = page.NextCursor
	}
}

func DrainOwnedObjects(ctx context.Context, gw Gateway, owner, structType string) ([]Object, error) {
	objects := make([]Object, 0)
	var cursor *string
	for {
		page, err := gw.QueryOwnedObjects(ctx, owner, structType, cursor)
		if err != nil {
			return objects, err
		}
		objects = append(objects, page.Data...)
		if !page.HasNextPage || page.NextCursor == nil {
			return objects, nil
		}
		if cursor != nil && *page.NextCursor == *cursor {
			return objects, nil
		}
		cursor = page.NextCursor
	}
}
