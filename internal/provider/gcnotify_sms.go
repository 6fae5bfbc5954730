package provider

import (
	"context"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// GCNotifySMS delivers text messages through the GC Notify API, one
// recipient per call.
type GCNotifySMS struct {
	email *GCNotifyEmail // reuses the HTTP plumbing and auth
}

// NewGCNotifySMS creates the GC Notify SMS adapter. The config's APIKey
// may differ from the email key; GC Notify issues them per service.
func NewGCNotifySMS(config GCNotifyConfig) *GCNotifySMS {
	return &GCNotifySMS{email: NewGCNotifyEmail(config)}
}

// ID returns the provider code.
func (p *GCNotifySMS) ID() notify.ProviderCode {
	return notify.ProviderGCNotifySMS
}

// Capabilities reports what GC Notify SMS can carry.
func (p *GCNotifySMS) Capabilities() Capabilities {
	return Capabilities{
		SupportsHTML:        false,
		SupportsAttachments: false,
		SupportsSMS:         true,
	}
}

// Send delivers the message one recipient at a time, failing fast on the
// first permanent error. A transient error aborts the loop so the retry
// re-covers every recipient.
func (p *GCNotifySMS) Send(ctx context.Context, msg Message) Result {
	if msg.IsHTML || len(msg.Attachments) > 0 {
		return Permanent("SMS_CONTENT_UNSUPPORTED", "sms cannot carry HTML or attachments")
	}

	var lastID string
	for _, rcpt := range msg.Recipients {
		body := map[string]any{
			"phone_number": rcpt,
			"template_id":  p.email.config.TemplateID,
			"personalisation": map[string]any{
				"body": msg.Body,
			},
		}
		result := p.email.post(ctx, p.email.config.APIURL+"/v2/notifications/sms", body)
		if result.Kind != KindSuccess {
			return result
		}
		lastID = result.ResponseID
	}
	return Success(lastID)
}
