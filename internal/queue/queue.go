// Package queue carries derivative regeneration jobs over Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// RegenerateJob names its album by ID; the slug can change while the job waits.
type RegenerateJob struct {
	AlbumID  int64  `json:"album_id"`
	PhotoID  int64  `json:"photo_id"`
	Filename string `json:"filename"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Producer struct {
	w messageWriter
}

func NewProducer(broker, topic string) *Producer {
	return &Producer{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})}
}

// PublishRegenerate writes one message per job, keyed by album so jobs of one album keep
// their relative order.
func (p *Producer) PublishRegenerate(ctx context.Context, jobs ...RegenerateJob) error {
	const op = "queue.PublishRegenerate"

	if len(jobs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(jobs))
	for _, job := range jobs {
		value, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(strconv.FormatInt(job.AlbumID, 10)), Value: value})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.w.Close()
}

type Handler func(ctx context.Context, job RegenerateJob) error

type Consumer struct {
	r       messageReader
	handle  Handler
	log     zerolog.Logger
	backoff time.Duration
}

func NewConsumer(broker, topic, groupID string, handle Handler, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: groupID,
		}),
		handle:  handle,
		log:     log.With().Str("component", "queue").Logger(),
		backoff: time.Second,
	}
}

// Run handles messages until ctx is cancelled. Malformed messages and failed jobs are
// logged and skipped; a failed job is not retried.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.r.Close()

	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error().Err(err).Msg("error reading message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		var job RegenerateJob
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("malformed regenerate job")
			continue
		}
		if err := c.handle(ctx, job); err != nil {
			c.log.Error().Err(err).Int64("album_id", job.AlbumID).Int64("photo_id", job.PhotoID).
				Msg("error regenerating photo")
		}
	}
}
