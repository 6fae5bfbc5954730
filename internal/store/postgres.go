package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with OpenTelemetry instrumentation and a
// bounded connection pool. dbURL is a postgres:// URL; schema, when set,
// becomes the connection's search_path.
func Open(dbURL, schema string) (*Postgres, error) {
	dsn, err := withSearchPath(dbURL, schema)
	if err != nil {
		return nil, err
	}

	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	); err != nil {
		return nil, fmt.Errorf("registering db stats metrics: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewFromDB wraps an existing handle; used by tests.
func NewFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func withSearchPath(dbURL, schema string) (string, error) {
	if schema == "" {
		return dbURL, nil
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("parsing database url: %w", err)
	}
	q := u.Query()
	q.Set("options", "-csearch_path="+schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Create persists the aggregate and, when key is non-nil, the idempotency
// record in the same transaction.
func (p *Postgres) Create(ctx context.Context, n *notify.Notification, key *IngressKey) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if n.RequestDate.IsZero() {
		n.RequestDate = time.Now().UTC()
	}
	n.Status = notify.StatusPending

	err = tx.QueryRowContext(ctx, `
		INSERT INTO notification (recipients, request_by, created_by, request_date, type_code, status_code, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $4)
		RETURNING id`,
		strings.Join(n.Recipients, ","), n.RequestBy, n.CreatedBy, n.RequestDate, n.Type, n.Status,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	var contentID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notification_content (notification_id, subject, body, is_html)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		n.ID, n.Content.Subject, n.Content.Body, n.Content.IsHTML,
	).Scan(&contentID)
	if err != nil {
		return fmt.Errorf("inserting content: %w", err)
	}

	for i := range n.Content.Attachments {
		a := &n.Content.Attachments[i]
		a.ContentSize = int64(len(a.FileBytes))
		err = tx.QueryRowContext(ctx, `
			INSERT INTO attachment (content_id, file_name, file_bytes, attach_order, content_size)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			contentID, a.FileName, a.FileBytes, a.AttachOrder, a.ContentSize,
		).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("inserting attachment: %w", err)
		}
	}

	if key != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ingress_key (key, payload_hash, notification_id)
			VALUES ($1, $2, $3)`,
			key.Key, key.PayloadHash, n.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("inserting ingress key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create: %w", err)
	}
	return nil
}

const notificationColumns = `id, recipients, request_by, created_by, request_date, sent_date,
	type_code, status_code, provider_code, attempt, lease_token, lease_expiry`

// Get loads the full aggregate.
func (p *Postgres) Get(ctx context.Context, id int64) (*notify.Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification
		WHERE id = $1`, id)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading notification: %w", err)
	}

	if err := p.loadContent(ctx, n); err != nil {
		return nil, err
	}
	if err := p.loadHistory(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *Postgres) loadContent(ctx context.Context, n *notify.Notification) error {
	var contentID int64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, subject, body, is_html
		FROM notification_content
		WHERE notification_id = $1`, n.ID,
	).Scan(&contentID, &n.Content.Subject, &n.Content.Body, &n.Content.IsHTML)
	if err != nil {
		return fmt.Errorf("loading content: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, file_name, file_bytes, attach_order, content_size
		FROM attachment
		WHERE content_id = $1
		ORDER BY attach_order, id`, contentID)
	if err != nil {
		return fmt.Errorf("loading attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a notify.Attachment
		if err := rows.Scan(&a.ID, &a.FileName, &a.FileBytes, &a.AttachOrder, &a.ContentSize); err != nil {
			return fmt.Errorf("scanning attachment: %w", err)
		}
		n.Content.Attachments = append(n.Content.Attachments, a)
	}
	return rows.Err()
}

func (p *Postgres) loadHistory(ctx context.Context, n *notify.Notification) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sent_date, status_code, provider_code, response_id, message
		FROM notification_history
		WHERE notification_id = $1
		ORDER BY id`, n.ID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var h notify.HistoryEntry
		var responseID sql.NullString
		var message sql.NullString
		if err := rows.Scan(&h.ID, &h.SentDate, &h.StatusCode, &h.ProviderCode, &responseID, &message); err != nil {
			return fmt.Errorf("scanning history: %w", err)
		}
		if responseID.Valid {
			h.ResponseID = &responseID.String
		}
		h.Message = message.String
		n.History = append(n.History, h)
	}
	return rows.Err()
}

// List returns summaries matching the filter, newest first.
func (p *Postgres) List(ctx context.Context, filter notify.Filter) ([]*notify.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification n WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += " AND status_code = " + arg(filter.Status)
	}
	if filter.RequestBy != "" {
		query += " AND request_by = " + arg(filter.RequestBy)
	}
	if filter.Type != "" {
		query += " AND type_code = " + arg(filter.Type)
	}
	if filter.SentAfter != nil {
		query += " AND sent_date >= " + arg(*filter.SentAfter)
	}
	if filter.SentBefore != nil {
		query += " AND sent_date <= " + arg(*filter.SentBefore)
	}
	if filter.Search != "" {
		needle := "%" + strings.ToLower(filter.Search) + "%"
		query += ` AND (LOWER(recipients) LIKE ` + arg(needle) +
			` OR EXISTS (SELECT 1 FROM notification_content c
				WHERE c.notification_id = n.id AND LOWER(c.subject) LIKE ` + arg(needle) + `))`
	}

	query += " ORDER BY request_date DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetIngressKey looks up a recorded idempotency key.
func (p *Postgres) GetIngressKey(ctx context.Context, key string) (*IngressKey, error) {
	var k IngressKey
	err := p.db.QueryRowContext(ctx, `
		SELECT key, payload_hash, notification_id, created_at
		FROM ingress_key
		WHERE key = $1`, key,
	).Scan(&k.Key, &k.PayloadHash, &k.NotificationID, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading ingress key: %w", err)
	}
	return &k, nil
}

// UpdateStatus applies the transition and the history append atomically.
func (p *Postgres) UpdateStatus(ctx context.Context, id int64, next notify.Status, entry notify.HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current notify.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status_code FROM notification WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("locking notification: %w", err)
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if entry.SentDate.IsZero() {
		entry.SentDate = time.Now().UTC()
	}

	switch {
	case next.Terminal():
		// sent_date is set only on terminal transitions, with the same
		// timestamp as the history entry.
		_, err = tx.ExecContext(ctx, `
			UPDATE notification
			SET status_code = $2, sent_date = $3, last_event_at = $3, lease_token = NULL, lease_expiry = NULL
			WHERE id = $1`,
			id, next, entry.SentDate)
	case next == notify.StatusPending:
		// Re-admission after a retriable failure: clear the lease and
		// count the attempt. last_event_at moves forward so the sweeper
		// leaves the row alone while it waits out its backoff.
		_, err = tx.ExecContext(ctx, `
			UPDATE notification
			SET status_code = $2, attempt = attempt + 1, last_event_at = $3, lease_token = NULL, lease_expiry = NULL
			WHERE id = $1`,
			id, next, entry.SentDate)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE notification
			SET status_code = $2, last_event_at = $3
			WHERE id = $1`,
			id, next, entry.SentDate)
	}
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_history (notification_id, sent_date, status_code, provider_code, response_id, message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, entry.SentDate, entry.StatusCode, entry.ProviderCode, entry.ResponseID, entry.Message)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status update: %w", err)
	}
	return nil
}

// ClaimForDispatch takes the dispatch lease. The guard admits PENDING rows
// and FORWARDED rows whose lease has expired; terminal rows and live
// leases lose with ErrAlreadyClaimed.
func (p *Postgres) ClaimForDispatch(ctx context.Context, id int64, workerToken string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification
		SET status_code = $2, lease_token = $3, lease_expiry = $4, last_event_at = $6
		WHERE id = $1
		  AND (status_code = $5 OR (status_code = $2 AND lease_expiry < $6))`,
		id, notify.StatusForwarded, workerToken, now.Add(leaseTTL), notify.StatusPending, now)
	if err != nil {
		return fmt.Errorf("claiming notification: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading claim result: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM notification WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking notification existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// Release returns a claimed notification to PENDING without recording an
// attempt. Only the lease holder may release.
func (p *Postgres) Release(ctx context.Context, id int64, workerToken string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification
		SET status_code = $2, last_event_at = now(), lease_token = NULL, lease_expiry = NULL
		WHERE id = $1 AND status_code = $3 AND lease_token = $4`,
		id, notify.StatusPending, notify.StatusForwarded, workerToken)
	if err != nil {
		return fmt.Errorf("releasing notification: %w", err)
	}
	// A zero row count means the lease was already lost or the state moved
	// on; nothing to release either way.
	_, _ = result.RowsAffected()
	return nil
}

// Requeue resets a notification for a fresh delivery cycle. The caller is
// responsible for the resend policy (terminal-success cool-down).
func (p *Postgres) Requeue(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification
		SET status_code = $2, attempt = 0, sent_date = NULL, last_event_at = now(), lease_token = NULL, lease_expiry = NULL
		WHERE id = $1`,
		id, notify.StatusPending)
	if err != nil {
		return fmt.Errorf("requeueing notification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading requeue result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProviderCode records the resolved provider. The guard keeps the code
// immutable once set.
func (p *Postgres) SetProviderCode(ctx context.Context, id int64, code notify.ProviderCode) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notification
		SET provider_code = $2
		WHERE id = $1 AND provider_code IS NULL`,
		id, code)
	if err != nil {
		return fmt.Errorf("setting provider code: %w", err)
	}
	return nil
}

// SweepExpiredLeases re-admits FORWARDED rows with expired leases.
func (p *Postgres) SweepExpiredLeases(ctx context.Context, now time.Time) ([]StalePending, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE notification
		SET status_code = $1, last_event_at = $3, lease_token = NULL, lease_expiry = NULL
		WHERE status_code = $2 AND lease_expiry < $3
		RETURNING id, attempt`,
		notify.StatusPending, notify.StatusForwarded, now)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStalePending(rows)
}

// FindStalePending returns PENDING rows whose last event is older than the
// orphan threshold. Filtering on last_event_at rather than request_date
// keeps rows that are waiting out a retry backoff off the sweep: their
// re-admission refreshed the timestamp.
func (p *Postgres) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]StalePending, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, attempt
		FROM notification
		WHERE status_code = $1 AND last_event_at < $2
		ORDER BY last_event_at
		LIMIT $3`,
		notify.StatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("finding stale pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStalePending(rows)
}

func scanStalePending(rows *sql.Rows) ([]StalePending, error) {
	var out []StalePending
	for rows.Next() {
		var s StalePending
		if err := rows.Scan(&s.ID, &s.Attempt); err != nil {
			return nil, fmt.Errorf("scanning stale pending row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of notifications per status; exposed by
// the stats endpoint.
func (p *Postgres) StatusCounts(ctx context.Context) (map[notify.Status]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status_code, COUNT(*) FROM notification GROUP BY status_code`)
	if err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[notify.Status]int64)
	for rows.Next() {
		var s notify.Status
		var c int64
		if err := rows.Scan(&s, &c); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[s] = c
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*notify.Notification, error) {
	var n notify.Notification
	var recipients string
	var requestBy, createdBy, providerCode, leaseToken sql.NullString
	var sentDate, leaseExpiry sql.NullTime

	err := row.Scan(
		&n.ID, &recipients, &requestBy, &createdBy, &n.RequestDate, &sentDate,
		&n.Type, &n.Status, &providerCode, &n.Attempt, &leaseToken, &leaseExpiry,
	)
	if err != nil {
		return nil, err
	}

	if recipients != "" {
		n.Recipients = strings.Split(recipients, ",")
	}
	n.RequestBy = requestBy.String
	n.CreatedBy = createdBy.String
	if sentDate.Valid {
		n.SentDate = &sentDate.Time
	}
	if providerCode.Valid {
		n.Provider = notify.ProviderCode(providerCode.String)
	}
	if leaseToken.Valid {
		n.LeaseToken = &leaseToken.String
	}
	if leaseExpiry.Valid {
		n.LeaseExpiry = &leaseExpiry.Time
	}
	return &n, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
