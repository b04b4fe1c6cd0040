package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/messaging"
)

// Publisher mirrors appended history and room lifecycle changes to a broker
// for downstream consumers. Publishing is best effort.
type Publisher interface {
	PublishHistory(ctx context.Context, record domain.HistoryRecord) error
	PublishRoomEvent(ctx context.Context, event string, room domain.Room) error
}

// Sender is the broker side of a Publisher. *messaging.RabbitMQ satisfies it.
type Sender interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type RoomEventData struct {
	Event     string      `json:"event"`
	Room      domain.Room `json:"room"`
	Timestamp time.Time   `json:"timestamp"`
}

type BrokerPublisher struct {
	sender Sender
}

func NewBrokerPublisher(sender Sender) *BrokerPublisher {
	return &BrokerPublisher{sender: sender}
}

func (p *BrokerPublisher) PublishHistory(ctx context.Context, record domain.HistoryRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	return p.sender.Publish(ctx, messaging.HistoryAppendedKey+"."+string(record.Action), body)
}

func (p *BrokerPublisher) PublishRoomEvent(ctx context.Context, event string, room domain.Room) error {
	body, err := json.Marshal(RoomEventData{
		Event:     event,
		Room:      room,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	return p.sender.Publish(ctx, messaging.RoomEventKeyPrefix+event, body)
}

type nopPublisher struct{}

// NewNopPublisher is used when no broker is configured.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) PublishHistory(context.Context, domain.HistoryRecord) error { return nil }

func (nopPublisher) PublishRoomEvent(context.Context, string, domain.Room) error { return nil }
