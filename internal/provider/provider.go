// Package provider defines the outbound delivery contract and its concrete
// adapters: GC Notify email and SMS, direct SMTP, and the housing service.
//
// Adapters are pure functions of their input plus their own HTTP client.
// They never touch the store or the bus; classification of a failed send
// into transient or permanent is the only judgement they make.
package provider

import (
	"context"
	"net/http"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// Attachment is a file included in an outbound message.
type Attachment struct {
	FileName string
	Bytes    []byte
	Order    int
}

// Message is the adapter-independent shape handed to a provider. It is
// built by the dispatcher from a Notification; adapters must not retain
// references to it beyond the Send call.
type Message struct {
	Recipients  []string
	Subject     string
	Body        string
	IsHTML      bool
	Attachments []Attachment
	// Headers carries free-form metadata (trace id, request tag). Bounded
	// by the dispatcher; adapters may forward or ignore them.
	Headers map[string]string
}

// ResultKind classifies the outcome of a send.
type ResultKind int

const (
	// KindSuccess means the provider accepted the message.
	KindSuccess ResultKind = iota
	// KindTransient means the send failed but a retry may succeed.
	KindTransient
	// KindPermanent means retrying can never succeed.
	KindPermanent
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "SUCCESS"
	case KindTransient:
		return "TRANSIENT"
	case KindPermanent:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Result is the typed outcome of a Send.
type Result struct {
	Kind ResultKind
	// ResponseID is the provider's reference for a successful send.
	ResponseID string
	// Code is a short machine-readable failure code.
	Code string
	// Message is a short human-readable diagnostic. It must not contain
	// recipient addresses or message bodies.
	Message string
}

// Success builds a successful result.
func Success(responseID string) Result {
	return Result{Kind: KindSuccess, ResponseID: responseID}
}

// Transient builds a retriable failure result.
func Transient(code, message string) Result {
	return Result{Kind: KindTransient, Code: code, Message: message}
}

// Permanent builds a terminal failure result.
func Permanent(code, message string) Result {
	return Result{Kind: KindPermanent, Code: code, Message: message}
}

// Capabilities describes what a provider can carry. The dispatcher checks
// a message against these before sending; the selector is expected to have
// routed correctly, so a mismatch is a permanent failure.
type Capabilities struct {
	SupportsHTML        bool
	SupportsAttachments bool
	MaxAttachmentBytes  int64
	SupportsSMS         bool
}

// Provider is the delivery contract every adapter satisfies.
type Provider interface {
	// Send delivers the message. The context carries the per-call timeout.
	Send(ctx context.Context, msg Message) Result

	// Capabilities reports what this provider can carry.
	Capabilities() Capabilities

	// ID returns the provider code the selector routes by.
	ID() notify.ProviderCode
}

// Registry maps provider codes to implementations. The dispatcher holds
// one; it is immutable after construction.
type Registry map[notify.ProviderCode]Provider

// Lookup returns the provider for code, or nil.
func (r Registry) Lookup(code notify.ProviderCode) Provider {
	return r[code]
}

// Register adds p under its own ID.
func (r Registry) Register(p Provider) {
	r[p.ID()] = p
}

// classifyStatus maps an HTTP response status to a result kind: 2xx is
// success, 408/429 and 5xx are transient, any other 4xx is permanent.
func classifyStatus(status int) ResultKind {
	switch {
	case status >= 200 && status < 300:
		return KindSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
