// Package ingest publishes accepted ride lifecycle events to Kafka and
// decodes them on the consumer side.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

var ErrMissingRide = errors.New("lifecycle event carries no ride")

// LifecycleEvent is the wire form of one accepted update.
type LifecycleEvent struct {
	RideID   string              `json:"ride_id"`
	From     models.Status       `json:"from,omitempty"`
	To       models.Status       `json:"to"`
	Version  int64               `json:"version"`
	Source   models.Source       `json:"source,omitempty"`
	Intents  []lifecycle.Intent  `json:"intents,omitempty"`
	Snapshot models.RideSnapshot `json:"snapshot"`
	At       time.Time           `json:"at"`
}

func EventFor(u tracker.Update, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		RideID:   u.Snapshot.ID,
		From:     u.From,
		To:       u.Snapshot.Status,
		Version:  u.Snapshot.Version,
		Source:   u.Source,
		Intents:  u.Intents,
		Snapshot: u.Snapshot,
		At:       at.UTC(),
	}
}

// Decode parses a message value and checks it names a ride.
func Decode(b []byte) (LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.Snapshot.ID == "" {
		ev.Snapshot.ID = ev.RideID
	}
	if ev.RideID == "" || ev.Snapshot.ID != ev.RideID {
		return ev, ErrMissingRide
	}
	return ev, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer keys messages by ride id so a ride's events stay ordered
// within one partition.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, u tracker.Update) error {
	if u.Source == "" {
		// connectivity warnings are local to this process
		return nil
	}
	b, err := json.Marshal(EventFor(u, time.Now()))
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.Snapshot.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
