// Package ingest is the bulk/backfill ingestion path for driver
// locations: a Kafka producer/consumer pair that feeds the same
// Active-Dirty Set the websocket ingress writes into, so backfilled
// positions participate in the Location Sync Worker's two-phase cycle
// like any other write.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridedispatch/internal/models"
)

// LocationMessage is the wire shape published to Kafka, grounded on
// models.DriverPosition's field set rather than a bespoke envelope.
type LocationMessage struct {
	DriverID    string       `json:"driver_id"`
	UserID      string       `json:"user_id"`
	Lat         float64      `json:"lat"`
	Lon         float64      `json:"lon"`
	IsOnline    bool         `json:"is_online"`
	IsAvailable bool         `json:"is_available"`
	Timestamp   time.Time    `json:"timestamp"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(pos models.DriverPosition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := LocationMessage{
		DriverID:    pos.DriverID,
		UserID:      pos.UserID,
		Lat:         pos.Loc.Lat,
		Lon:         pos.Loc.Lon,
		IsOnline:    pos.IsOnline,
		IsAvailable: pos.IsAvailable,
		Timestamp:   pos.LastSeenAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(pos.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
