package notify

import (
	"fmt"
	"regexp"
	"strings"
)

// Limits bounds what the ingress API accepts.
type Limits struct {
	// MaxPerAttachmentBytes is the ceiling for a single attachment.
	MaxPerAttachmentBytes int64
	// MaxTotalAttachmentBytes is the hard cap across all attachments.
	// Exceeding it is a payload-too-large rejection, not a validation error.
	MaxTotalAttachmentBytes int64
}

// DefaultLimits matches the documented defaults: 6 MiB per attachment,
// 20 MiB total.
func DefaultLimits() Limits {
	return Limits{
		MaxPerAttachmentBytes:   6 * 1024 * 1024,
		MaxTotalAttachmentBytes: 20 * 1024 * 1024,
	}
}

var (
	// emailPattern is a pragmatic RFC 5322 subset: one @, a non-empty local
	// part, and a dotted domain.
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

	// phonePattern is E.164: optional +, 8 to 15 digits, no leading zero.
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)
)

// ValidEmail reports whether addr is an acceptable email recipient.
func ValidEmail(addr string) bool {
	return len(addr) <= 254 && emailPattern.MatchString(addr)
}

// ValidPhone reports whether addr is an acceptable E.164 phone recipient.
func ValidPhone(addr string) bool {
	return phonePattern.MatchString(addr)
}

// ValidationError describes a rejected request field. It maps to a 400 at
// the API boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TooLargeError is returned when the total attachment payload exceeds the
// hard cap. It maps to a 413 at the API boundary.
type TooLargeError struct {
	TotalBytes int64
	Limit      int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("attachments total %d bytes exceeds limit of %d", e.TotalBytes, e.Limit)
}

// Validate checks a notification against the ingress rules. It normalizes
// attachment sizes (ContentSize is recomputed from FileBytes) as a side
// effect. The notification must not yet be persisted.
func Validate(n *Notification, limits Limits) error {
	if !n.Type.Valid() {
		return &ValidationError{Field: "notifyType", Message: "must be EMAIL or TEXT"}
	}

	if len(n.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}
	for _, r := range n.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			return &ValidationError{Field: "recipients", Message: "recipient must not be empty"}
		}
		switch n.Type {
		case TypeEmail:
			if !ValidEmail(r) {
				return &ValidationError{
					Field:   "recipients",
					Message: fmt.Sprintf("invalid email address %q", MaskAddress(r)),
				}
			}
		case TypeText:
			if !ValidPhone(r) && !ValidEmail(r) {
				return &ValidationError{
					Field:   "recipients",
					Message: fmt.Sprintf("invalid phone number %q", MaskAddress(r)),
				}
			}
			// Phone recipients are only allowed for TEXT; for EMAIL the
			// email check above already rejects them.
		}
	}

	if strings.TrimSpace(n.Content.Body) == "" {
		return &ValidationError{Field: "content.body", Message: "body is required"}
	}

	if n.Type == TypeEmail && strings.TrimSpace(n.Content.Subject) == "" {
		return &ValidationError{Field: "content.subject", Message: "subject is required for EMAIL"}
	}

	// HTML bodies and attachments only make sense for email.
	if n.Type == TypeText && (n.Content.IsHTML || len(n.Content.Attachments) > 0) {
		return &ValidationError{Field: "notifyType", Message: "HTML content and attachments require EMAIL"}
	}

	var total int64
	for i := range n.Content.Attachments {
		a := &n.Content.Attachments[i]
		if strings.TrimSpace(a.FileName) == "" {
			return &ValidationError{Field: "content.attachments", Message: "attachment file name is required"}
		}
		if len(a.FileBytes) == 0 {
			return &ValidationError{Field: "content.attachments", Message: "attachment bytes are required"}
		}
		a.ContentSize = int64(len(a.FileBytes))
		if a.ContentSize > limits.MaxPerAttachmentBytes {
			return &ValidationError{
				Field:   "content.attachments",
				Message: fmt.Sprintf("attachment %q exceeds %d bytes", a.FileName, limits.MaxPerAttachmentBytes),
			}
		}
		total += a.ContentSize
	}
	if total > limits.MaxTotalAttachmentBytes {
		return &TooLargeError{TotalBytes: total, Limit: limits.MaxTotalAttachmentBytes}
	}

	return nil
}
