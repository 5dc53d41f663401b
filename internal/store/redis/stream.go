// Package redis carries captured evidence over Redis Streams.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
)

const (
	DefaultStream   = "x402:evidence"
	DefaultGroup    = "x402-reconciler"
	payloadField    = "payload"
	readCount       = 16
	defaultBlockFor = 5 * time.Second
)

// Handler processes one evidence message. A returned error leaves the
// message pending so it is redelivered on the next start.
type Handler func(ctx context.Context, in model.EvidenceInput) error

// EvidenceStream is the ingress transport for captured evidence.
type EvidenceStream interface {
	Publish(ctx context.Context, in model.EvidenceInput) (string, error)
	Consume(ctx context.Context, handle Handler) error
	Close() error
}

type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
}

// Stream is a consumer-group reader and producer for one Redis stream.
type Stream struct {
	client *redis.Client
	cfg    StreamConfig
	logger *slog.Logger
}

var _ EvidenceStream = (*Stream)(nil)

func NewStream(url string, cfg StreamConfig, logger *slog.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newStream(client, cfg, logger), nil
}

func newStream(client *redis.Client, cfg StreamConfig, logger *slog.Logger) *Stream {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlockFor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "evidence_stream", "stream", cfg.Stream),
	}
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

func (s *Stream) Publish(ctx context.Context, in model.EvidenceInput) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.cfg.Stream, err)
	}
	return id, nil
}

// Consume reads the stream as a member of the consumer group until ctx is
// done. Messages left pending by an earlier run are replayed first.
func (s *Stream) Consume(ctx context.Context, handle Handler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	cursor := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, cursor},
			Count:    readCount,
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup %s: %w", s.cfg.Stream, err)
		}

		last := ""
		for _, st := range streams {
			for _, msg := range st.Messages {
				last = msg.ID
				s.dispatch(ctx, msg, handle)
			}
		}
		// Pending replay walks forward by id and ends when it returns nothing.
		if cursor != ">" {
			cursor = last
			if last == "" {
				cursor = ">"
			}
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, msg redis.XMessage, handle Handler) {
	in, err := decodeMessage(msg.Values)
	if err != nil {
		metrics.EvidenceRejectedTotal.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping undecodable evidence message", "id", msg.ID, "error", err)
		s.ack(ctx, msg.ID)
		return
	}
	if err := handle(ctx, in); err != nil {
		s.logger.Error("evidence handler failed; message left pending", "id", msg.ID, "error", err)
		return
	}
	s.ack(ctx, msg.ID)
}

// ack outlives ctx so a handled message is not redelivered after shutdown.
func (s *Stream) ack(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Warn("xack failed", "id", id, "error", err)
	}
}

func (s *Stream) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.cfg.Group, err)
	}
	return nil
}

func decodeMessage(values map[string]any) (model.EvidenceInput, error) {
	var in model.EvidenceInput
	raw, ok := values[payloadField]
	if !ok {
		return in, fmt.Errorf("message has no %q field", payloadField)
	}
	payload, err := streamPayload(raw)
	if err != nil {
		return in, err
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return in, fmt.Errorf("decode evidence: %w", err)
	}
	return in, nil
}

// streamPayload normalises the value types go-redis hands back.
func streamPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("payload type %T not supported", v)
	}
}
