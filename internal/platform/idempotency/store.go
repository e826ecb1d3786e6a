// Package idempotency lets shoppers retry a submit without settling twice. A key is held while
// the first request runs; a completed response is kept for replay until it expires.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed submit can be replayed.
const DefaultTTL = 24 * time.Hour

// ReservationState is the outcome of reserving a key.
type ReservationState int

const (
	// ReservationStateNew lets the caller run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted carries a response to replay.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// Reservation is the result of Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is one key. ResponseStatus stays zero while the first request is running.
type Record struct {
	Fingerprint     string              `json:"fp"`
	ResponseStatus  int                 `json:"status,omitempty"`
	ResponseHeaders map[string][]string `json:"headers,omitempty"`
	ResponseBody    []byte              `json:"body,omitempty"`
	ExpiresAt       time.Time           `json:"exp"`
}

// Response is what gets stored for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store holds reservations and responses. Memory, Redis and Firestore implementations exist.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch means the key was already used for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Only these headers are worth replaying; the rest describe the original connection.
var replayedHeaders = []string{"Content-Type", "Location", "Cache-Control"}

func (r Record) completed() bool { return r.ResponseStatus != 0 }

func (r Record) live(now time.Time) bool { return now.Before(r.ExpiresAt) }

// against decides what a second reservation of the same key gets.
func (r Record) against(fingerprint string) (Reservation, error) {
	switch {
	case r.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case r.completed():
		return Reservation{State: ReservationStateCompleted, Record: r}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: r}, nil
	}
}

func held(fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{Fingerprint: fingerprint, ExpiresAt: now.Add(ttlOrDefault(ttl))}
}

func (r Record) withResponse(resp Response, now time.Time, ttl time.Duration) Record {
	r.ResponseStatus = resp.Status
	if r.ResponseStatus == 0 {
		r.ResponseStatus = http.StatusOK
	}
	r.ResponseHeaders = nil
	for _, name := range replayedHeaders {
		if values := resp.Headers.Values(name); len(values) > 0 {
			if r.ResponseHeaders == nil {
				r.ResponseHeaders = make(map[string][]string, len(replayedHeaders))
			}
			r.ResponseHeaders[name] = slices.Clone(values)
		}
	}
	r.ResponseBody = slices.Clone(resp.Body)
	r.ExpiresAt = now.Add(ttlOrDefault(ttl))
	return r
}

// storageID hashes the owner scoped key so owner ids never reach the backing store.
func storageID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
