package notify

// Selector chooses the outbound provider for a notification. The policy is
// pure and deterministic so routing stays testable and auditable; provider
// adapters never re-route at send time.
type Selector struct {
	// SMTPThresholdBytes is the total attachment size above which delivery
	// is routed to SMTP regardless of content type. Default 6 MiB.
	SMTPThresholdBytes int64
}

// NewSelector returns a selector with the given SMTP threshold. A zero or
// negative threshold falls back to the 6 MiB default.
func NewSelector(smtpThresholdBytes int64) Selector {
	if smtpThresholdBytes <= 0 {
		smtpThresholdBytes = 6 * 1024 * 1024
	}
	return Selector{SMTPThresholdBytes: smtpThresholdBytes}
}

// Select resolves the provider for n. Rules are evaluated top to bottom,
// first match wins:
//
//  1. requestBy STRR routes to the housing service.
//  2. HTML content, or attachments larger than the SMTP threshold, route
//     to SMTP (GC Notify cannot carry either).
//  3. TEXT notifications route to GC Notify SMS.
//  4. Everything else routes to GC Notify email.
func (s Selector) Select(n *Notification) ProviderCode {
	if n.RequestBy == "STRR" {
		return ProviderHousing
	}
	if n.Content.IsHTML || n.Content.TotalAttachmentBytes() > s.SMTPThresholdBytes {
		return ProviderSMTP
	}
	if n.Type == TypeText {
		return ProviderGCNotifySMS
	}
	return ProviderGCNotifyEmail
}
