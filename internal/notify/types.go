// Package notify defines the notification domain model: the Notification
// aggregate with its Content, Attachments and History, the delivery status
// lifecycle, and the provider selection policy.
//
// The lifecycle is:
//
//	PENDING ──claim──▶ FORWARDED ──send ok──▶ DELIVERED   (terminal)
//	                        │
//	                        ├──retriable error──▶ PENDING
//	                        └──fatal error─────▶ FAILURE   (terminal)
//
// A notification is created by the ingress API in PENDING and mutated only
// by the dispatcher afterwards. Content and attachments are immutable after
// creation; history entries are append-only.
package notify

import (
	"time"
)

// Type is the kind of message a notification carries.
type Type string

const (
	TypeEmail Type = "EMAIL"
	TypeText  Type = "TEXT"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	return t == TypeEmail || t == TypeText
}

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "PENDING"   // Awaiting dispatch
	StatusForwarded Status = "FORWARDED" // Claimed by a worker, delivery in flight
	StatusDelivered Status = "DELIVERED" // Terminal success
	StatusFailure   Status = "FAILURE"   // Terminal failure
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailure
}

// CanTransition reports whether the move from s to next is legal under the
// lifecycle graph. Transitions out of a terminal state are never legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusForwarded
	case StatusForwarded:
		return next == StatusDelivered || next == StatusFailure || next == StatusPending
	default:
		return false
	}
}

// ProviderCode identifies an outbound delivery provider.
type ProviderCode string

const (
	ProviderGCNotifyEmail ProviderCode = "GC_NOTIFY_EMAIL"
	ProviderGCNotifySMS   ProviderCode = "GC_NOTIFY_SMS"
	ProviderSMTP          ProviderCode = "SMTP"
	ProviderHousing       ProviderCode = "HOUSING"
)

// HistoryStatus is the disposition recorded by a delivery attempt.
type HistoryStatus string

const (
	HistoryDelivered HistoryStatus = "DELIVERED"
	HistoryFailure   HistoryStatus = "FAILURE"
)

// Attachment is a file carried by an email notification. ContentSize is
// always derived from FileBytes on the way in, never trusted from input.
type Attachment struct {
	ID          int64  `json:"-"`
	FileName    string `json:"fileName"`
	FileBytes   []byte `json:"fileBytes"`
	AttachOrder int    `json:"attachOrder"`
	ContentSize int64  `json:"contentSize"`
}

// Content is the single body of a notification. Subject is required for
// EMAIL and ignored for TEXT.
type Content struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	IsHTML      bool         `json:"isHtml"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TotalAttachmentBytes returns the sum of attachment sizes.
func (c Content) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range c.Attachments {
		total += a.ContentSize
	}
	return total
}

// HistoryEntry records the outcome of one delivery attempt. Entries are
// append-only and each one is written atomically with the matching status
// change.
type HistoryEntry struct {
	ID           int64         `json:"-"`
	SentDate     time.Time     `json:"sentDate"`
	StatusCode   HistoryStatus `json:"status"`
	ProviderCode ProviderCode  `json:"providerCode"`
	ResponseID   *string       `json:"responseId,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Notification is the aggregate root. It exclusively owns its Content,
// Attachments and History; external code holds only the ID.
type Notification struct {
	ID          int64          `json:"id,string"`
	Recipients  []string       `json:"recipients"`
	RequestBy   string         `json:"requestBy"`
	CreatedBy   string         `json:"-"`
	RequestDate time.Time      `json:"requestDate"`
	SentDate    *time.Time     `json:"sentDate,omitempty"`
	Type        Type           `json:"notifyType"`
	Status      Status         `json:"status"`
	Provider    ProviderCode   `json:"providerCode,omitempty"`
	Attempt     int            `json:"-"`
	Content     Content        `json:"content"`
	History     []HistoryEntry `json:"history,omitempty"`

	// Lease bookkeeping, managed by the store.
	LeaseToken  *string    `json:"-"`
	LeaseExpiry *time.Time `json:"-"`
}

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	Status     Status
	RequestBy  string
	Type       Type
	SentAfter  *time.Time
	SentBefore *time.Time
	// Search matches recipient addresses and subjects, case-insensitively.
	Search string

	Limit  int
	Offset int
}

// MaskAddress reduces a recipient address to a loggable prefix. Full
// addresses must never reach logs or error bodies.
func MaskAddress(addr string) string {
	const keep = 3
	if len(addr) <= keep {
		return "***"
	}
	return addr[:keep] + "***"
}
