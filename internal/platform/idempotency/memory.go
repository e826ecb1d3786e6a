package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process, for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := storageID(key)
	if existing, ok := s.records[id]; ok && existing.live(now) {
		return existing.against(fingerprint)
	}
	record := held(fingerprint, now, ttl)
	s.records[id] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := storageID(key)
	record, ok := s.records[id]
	if !ok {
		record = Record{Fingerprint: fingerprint}
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = record.withResponse(resp, now, ttl)
	return nil
}

// Release drops a reservation held under fingerprint; other holders are left alone.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := storageID(key)
	if s.records[id].Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if !record.live(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
