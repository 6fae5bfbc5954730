// Package store persists the notification aggregate in PostgreSQL and
// enforces the lifecycle invariants: atomic status+history updates, the
// dispatch lease, and provider-code immutability.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = errors.New("notification not found")

	// ErrAlreadyClaimed is returned when a dispatch claim loses the race:
	// the notification is held under a live lease or is already terminal.
	ErrAlreadyClaimed = errors.New("notification already claimed")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// graph does not permit. It signals a dispatcher bug, never a caller
	// error.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateKey is returned when an idempotency key already exists.
	ErrDuplicateKey = errors.New("idempotency key already used")
)

// StalePending identifies a PENDING notification the sweeper should
// re-enqueue, with the attempt to publish it at.
type StalePending struct {
	ID      int64
	Attempt int
}

// IngressKey records a processed idempotency key.
type IngressKey struct {
	Key            string
	PayloadHash    string
	NotificationID int64
	CreatedAt      time.Time
}

// Store is the durable contract the ingress API and the dispatcher share.
type Store interface {
	// Create persists a new notification aggregate in PENDING and assigns
	// its ID. When key is non-nil the idempotency record is written in the
	// same transaction; a duplicate key fails the whole create with
	// ErrDuplicateKey.
	Create(ctx context.Context, n *notify.Notification, key *IngressKey) error

	// Get loads the full aggregate including content, attachments and
	// history.
	Get(ctx context.Context, id int64) (*notify.Notification, error)

	// List returns notification summaries (no attachment bytes, no
	// history) ordered by (request_date DESC, id DESC).
	List(ctx context.Context, filter notify.Filter) ([]*notify.Notification, error)

	// GetIngressKey looks up a previously recorded idempotency key.
	GetIngressKey(ctx context.Context, key string) (*IngressKey, error)

	// UpdateStatus applies a status transition and appends the matching
	// history entry in one transaction. Terminal transitions set
	// sent_date; re-admission to PENDING clears the lease and bumps the
	// attempt counter. Illegal transitions fail with ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id int64, next notify.Status, entry notify.HistoryEntry) error

	// ClaimForDispatch transitions PENDING to FORWARDED under a lease, or
	// takes over an expired lease. At most one concurrent caller wins;
	// the rest get ErrAlreadyClaimed.
	ClaimForDispatch(ctx context.Context, id int64, workerToken string, leaseTTL time.Duration) error

	// Release returns a FORWARDED notification to PENDING without a
	// history entry, provided the caller still holds the lease. Used on
	// shutdown for sends that never completed.
	Release(ctx context.Context, id int64, workerToken string) error

	// Requeue resets a notification to PENDING for a fresh delivery cycle:
	// attempt back to zero, lease and sent_date cleared. Used by resend.
	Requeue(ctx context.Context, id int64) error

	// SetProviderCode records the resolved provider, only if unset.
	SetProviderCode(ctx context.Context, id int64, code notify.ProviderCode) error

	// SweepExpiredLeases re-admits FORWARDED rows whose lease expired
	// before now, returning what should be re-enqueued.
	SweepExpiredLeases(ctx context.Context, now time.Time) ([]StalePending, error)

	// FindStalePending returns PENDING rows whose last state-machine
	// event is older than the orphan threshold, for sweeper re-enqueue.
	// Rows re-admitted recently (waiting out a retry backoff) are not
	// stale.
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]StalePending, error)

	// StatusCounts returns the number of notifications per status.
	StatusCounts(ctx context.Context) (map[notify.Status]int64, error)

	// Ping verifies connectivity; used by readiness probes.
	Ping(ctx context.Context) error
}
