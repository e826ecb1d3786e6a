package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/firestore"
)

const (
	defaultCollection  = "checkout_idempotency"
	defaultTxAttempts  = 5
	defaultCleanupSize = 100
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding the keys.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// FirestoreStore shares keys across instances. Every state change is a transaction on the
// key's document, so two instances cannot both win a reservation.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// NewFirestoreStore wraps an open client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection, attempts: defaultTxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// idemDoc is the stored shape; expires_at backs both the cleanup query and a Firestore TTL policy.
type idemDoc struct {
	Fingerprint string              `firestore:"fingerprint"`
	Status      int                 `firestore:"response_status,omitempty"`
	Headers     map[string][]string `firestore:"response_headers,omitempty"`
	Body        []byte              `firestore:"response_body,omitempty"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var out Reservation
	err := s.update(ctx, "reserve", key, func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		if current != nil && current.live(now) {
			var err error
			out, err = current.against(fingerprint)
			return err
		}
		record := held(fingerprint, now.UTC(), ttl)
		out = Reservation{State: ReservationStateNew, Record: record}
		return tx.Set(ref, toDoc(record))
	})
	return out, err
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.update(ctx, "save", key, func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		record := Record{Fingerprint: fingerprint}
		if current != nil {
			if current.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = *current
		}
		return tx.Set(ref, toDoc(record.withResponse(resp, now.UTC(), ttl)))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	return s.update(ctx, "release", key, func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		if current == nil || current.Fingerprint != fingerprint {
			return nil
		}
		return tx.Delete(ref)
	})
}

// CleanupExpired deletes up to limit expired keys per call.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupSize
	}
	snaps, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency cleanup", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return 0, pfirestore.WrapError("idempotency cleanup", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, pfirestore.WrapError("idempotency cleanup", err)
		}
		removed++
	}
	return removed, nil
}

type docUpdate func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error

// update reads the key's document inside a transaction and hands it to fn; current is nil
// when the document does not exist.
func (s *FirestoreStore) update(ctx context.Context, op, key string, fn docUpdate) error {
	ref := s.client.Collection(s.collection).Doc(storageID(key))
	return pfirestore.RunTransaction(ctx, s.client, "idempotency "+op, s.attempts, func(tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fn(tx, ref, nil)
		}
		if err != nil {
			return err
		}
		var doc idemDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		record := Record{
			Fingerprint:     doc.Fingerprint,
			ResponseStatus:  doc.Status,
			ResponseHeaders: doc.Headers,
			ResponseBody:    doc.Body,
			ExpiresAt:       doc.ExpiresAt,
		}
		return fn(tx, ref, &record)
	})
}

func toDoc(r Record) idemDoc {
	return idemDoc{
		Fingerprint: r.Fingerprint,
		Status:      r.ResponseStatus,
		Headers:     r.ResponseHeaders,
		Body:        r.ResponseBody,
		ExpiresAt:   r.ExpiresAt,
	}
}
