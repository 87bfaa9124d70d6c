package memory

import (
	"context"
	"sync"

	"github.com/poyrazK/cardgate/internal/core/domain"
)

// AuditSink stores audit events in memory (development/testing use).
type AuditSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

func (s *AuditSink) Record(_ context.Context, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// ListAuditEvents returns matching events, newest first.
func (s *AuditSink) ListAuditEvents(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.AuditEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.CardID != "" && e.CardID != filter.CardID {
			continue
		}
		if filter.ReaderID != "" && e.ReaderID != filter.ReaderID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		res = append(res, e)
		if filter.Limit > 0 && len(res) == filter.Limit {
			break
		}
	}
	return res, nil
}

// Events returns a copy of all stored events in insertion order.
func (s *AuditSink) Events() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Count returns the number of stored events.
func (s *AuditSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
