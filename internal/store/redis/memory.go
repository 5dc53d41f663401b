package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// InMemoryStream is an EvidenceStream without Redis, used by tests and
// single-process runs. A failed message is redelivered up to
// maxDeliveries times and then dropped.
type InMemoryStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	seq     int64
	pending []inMemoryMessage
	closed  bool
}

const maxDeliveries = 3

type inMemoryMessage struct {
	id       string
	payload  []byte
	attempts int
}

var _ EvidenceStream = (*InMemoryStream)(nil)

func NewInMemoryStream() *InMemoryStream {
	s := &InMemoryStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *InMemoryStream) Publish(_ context.Context, in model.EvidenceInput) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("stream closed")
	}
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"
	s.pending = append(s.pending, inMemoryMessage{id: id, payload: payload})
	s.cond.Broadcast()
	return id, nil
}

// Consume delivers messages in publish order until ctx is done or the
// stream is closed. A message is removed only after handle succeeds or
// it cannot be decoded.
func (s *InMemoryStream) Consume(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed && ctx.Err() == nil {
			s.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		msg := s.pending[0]
		s.mu.Unlock()

		if in, err := decodeMessage(map[string]any{payloadField: msg.payload}); err == nil {
			if err := handle(ctx, in); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if s.retry(msg.id) {
					continue
				}
			}
		}
		s.mu.Lock()
		if len(s.pending) > 0 && s.pending[0].id == msg.id {
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()
	}
}

// retry records a failed delivery and reports whether msg stays queued.
func (s *InMemoryStream) retry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || s.pending[0].id != id {
		return false
	}
	s.pending[0].attempts++
	return s.pending[0].attempts < maxDeliveries
}

// Len returns the number of undelivered messages.
func (s *InMemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *InMemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	s.cond.Broadcast()
	return nil
}
