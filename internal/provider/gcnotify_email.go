package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// GCNotifyConfig holds GC Notify adapter configuration, shared by the
// email and SMS adapters.
type GCNotifyConfig struct {
	// APIURL is the GC Notify base URL.
	APIURL string

	// APIKey authenticates requests. Sent as "ApiKey-v1 <key>".
	APIKey string

	// TemplateID is the generic template used for raw subject/body sends.
	TemplateID string

	// Timeout for HTTP requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// GCNotifyEmail delivers plain-text email through the GC Notify API. It
// carries no HTML and only small attachments; the selector routes anything
// heavier to SMTP, so violations here are permanent failures.
type GCNotifyEmail struct {
	config       GCNotifyConfig
	maskedAPIKey string
	httpClient   *http.Client
}

// gcNotifyEmailAttachmentLimit is the service-side ceiling for a single
// attached file (2 MiB).
const gcNotifyEmailAttachmentLimit = 2 * 1024 * 1024

// NewGCNotifyEmail creates the GC Notify email adapter.
func NewGCNotifyEmail(config GCNotifyConfig) *GCNotifyEmail {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	masked := "***"
	if len(config.APIKey) > 5 {
		masked = config.APIKey[:5] + "***"
	}

	return &GCNotifyEmail{
		config:       config,
		maskedAPIKey: masked,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxConnsPerHost: 32,
			},
		},
	}
}

// ID returns the provider code.
func (p *GCNotifyEmail) ID() notify.ProviderCode {
	return notify.ProviderGCNotifyEmail
}

// Capabilities reports what GC Notify email can carry.
func (p *GCNotifyEmail) Capabilities() Capabilities {
	return Capabilities{
		SupportsHTML:        false,
		SupportsAttachments: true,
		MaxAttachmentBytes:  gcNotifyEmailAttachmentLimit,
		SupportsSMS:         false,
	}
}

// Send delivers the message, one API call per recipient. It fails fast on
// the first permanent error; a transient error on any recipient makes the
// whole send transient so the retry covers every recipient again.
func (p *GCNotifyEmail) Send(ctx context.Context, msg Message) Result {
	if msg.IsHTML {
		return Permanent("HTML_UNSUPPORTED", "gc notify email cannot carry HTML content")
	}
	for _, a := range msg.Attachments {
		if int64(len(a.Bytes)) > gcNotifyEmailAttachmentLimit {
			return Permanent("ATTACHMENT_TOO_LARGE",
				fmt.Sprintf("attachment %q exceeds the gc notify limit", a.FileName))
		}
	}

	var lastID string
	for _, rcpt := range msg.Recipients {
		result := p.sendOne(ctx, rcpt, msg)
		if result.Kind != KindSuccess {
			return result
		}
		lastID = result.ResponseID
	}
	return Success(lastID)
}

func (p *GCNotifyEmail) sendOne(ctx context.Context, recipient string, msg Message) Result {
	personalisation := map[string]any{
		"subject": msg.Subject,
		"body":    msg.Body,
	}
	if len(msg.Attachments) > 0 {
		files := make([]map[string]any, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			files = append(files, map[string]any{
				"file":           a.Bytes, // encoding/json base64-encodes []byte
				"filename":       a.FileName,
				"sending_method": "attach",
			})
		}
		personalisation["attachments"] = files
	}

	body := map[string]any{
		"email_address":   recipient,
		"template_id":     p.config.TemplateID,
		"personalisation": personalisation,
	}
	return p.post(ctx, p.config.APIURL+"/v2/notifications/email", body)
}

func (p *GCNotifyEmail) post(ctx context.Context, url string, body map[string]any) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return Permanent("ENCODE_FAILED", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Permanent("REQUEST_FAILED", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ApiKey-v1 "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient("NETWORK_ERROR", categorizeNetworkError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transient("NETWORK_ERROR", "failed to read gc notify response")
	}

	kind := classifyStatus(resp.StatusCode)
	if kind != KindSuccess {
		diag := fmt.Sprintf("gc notify returned status %d", resp.StatusCode)
		if kind == KindTransient {
			return Transient("GC_NOTIFY_UNAVAILABLE", diag)
		}
		return Permanent("GC_NOTIFY_REJECTED", diag)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// Accepted but unparseable; treat as delivered without a reference.
		return Success("")
	}
	return Success(parsed.ID)
}

// categorizeNetworkError reduces a transport error to a short diagnostic
// without leaking URLs or credentials.
func categorizeNetworkError(err error) string {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return "request timed out"
	case strings.Contains(s, "connection refused"), strings.Contains(s, "no such host"):
		return "service unreachable"
	default:
		return "network error"
	}
}
