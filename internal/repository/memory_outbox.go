package repository

import (
	"context"
	"fmt"

	"escrowflow/pkg/outbox"
)

// MemoryStore 同时实现 outbox.Store

var _ outbox.Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetPendingEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*outbox.Event
	for _, e := range s.outbox {
		if e.Status != outbox.StatusPending {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) event(id int64) (*outbox.Event, error) {
	if id < 1 || id > int64(len(s.outbox)) {
		return nil, fmt.Errorf("%w: %d", outbox.ErrEventNotFound, id)
	}
	return s.outbox[id-1], nil
}

func (s *MemoryStore) MarkAsSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.event(id)
	if err != nil {
		return err
	}
	e.Status = outbox.StatusSent
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.event(id)
	if err != nil {
		return err
	}
	e.RetryCount++
	e.UpdatedAt = s.now()
	if e.RetryCount >= maxRetries {
		e.Status = outbox.StatusFailed
		e.NextRetryAt = nil
		return nil
	}
	next := e.UpdatedAt.Add(outbox.RetryDelay(e.RetryCount))
	e.NextRetryAt = &next
	return nil
}

func (s *MemoryStore) GetEventByID(ctx context.Context, id int64) (*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.event(id)
	if err != nil {
		return nil, err
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ReplayEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.event(id)
	if err != nil {
		return err
	}
	e.Status = outbox.StatusPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*outbox.Event
	for i := len(s.outbox) - 1; i >= 0; i-- {
		if e := s.outbox[i]; e.Status == outbox.StatusFailed {
			c := *e
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
