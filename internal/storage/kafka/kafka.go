// Package kafka publishes ledger and vote mutations as events, one record per
// mutation, keyed by group so a group's events stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"group_ledger/internal/models"
	"group_ledger/internal/storage"

	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	EventTransaction = "TRANSACTION_RECORDED"
	EventPosition    = "POSITION_UPSERTED"
	EventVoteCreated = "VOTE_CREATED"
	EventVoteUpdated = "VOTE_UPDATED"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	EventType   string                    `json:"event_type"`
	GroupID     string                    `json:"group_id,omitempty"`
	VoteID      string                    `json:"vote_id,omitempty"`
	Transaction *models.TransactionRecord `json:"transaction,omitempty"`
	Position    *models.Position          `json:"position,omitempty"`
	Vote        *models.Vote              `json:"vote,omitempty"`
	Update      *models.VoteUpdate        `json:"update,omitempty"`
	Timestamp   time.Time                 `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a storage.Recorder sink. It cannot be loaded from.
type Publisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

var _ storage.Recorder = (*Publisher)(nil)

// NewPublisher creates a publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newPublisher(writer, topic)
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic, now: time.Now}
}

func (p *Publisher) Name() string { return "kafka:" + p.topic }

func (p *Publisher) AppendTransaction(ctx context.Context, rec models.TransactionRecord) error {
	return p.publish(ctx, Event{EventType: EventTransaction, GroupID: rec.GroupID, VoteID: rec.VoteID, Transaction: &rec})
}

func (p *Publisher) UpsertPosition(ctx context.Context, pos models.Position) error {
	return p.publish(ctx, Event{EventType: EventPosition, GroupID: pos.GroupID, Position: &pos})
}

func (p *Publisher) AppendVoteRecord(ctx context.Context, v models.Vote) error {
	return p.publish(ctx, Event{EventType: EventVoteCreated, GroupID: v.Group, VoteID: v.ID, Vote: &v})
}

// UpdateVoteRecord has no group at hand, so it is keyed by vote id.
func (p *Publisher) UpdateVoteRecord(ctx context.Context, id string, u models.VoteUpdate) error {
	return p.publish(ctx, Event{EventType: EventVoteUpdated, VoteID: id, Update: &u})
}

func (p *Publisher) publish(ctx context.Context, event Event) error {
	event.Timestamp = p.now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := event.GroupID
	if key == "" {
		key = event.VoteID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
