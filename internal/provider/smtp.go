package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// SMTPConfig holds the direct-SMTP adapter configuration.
type SMTPConfig struct {
	Host string
	Port int
	// Username and Password enable PLAIN auth when both are set.
	Username string
	Password string
	// From is the envelope sender address.
	From string
	// MaxAttachmentBytes is the ceiling for a single attachment through
	// this relay. Defaults to 20 MiB.
	MaxAttachmentBytes int64
	// Timeout bounds the whole SMTP conversation. Defaults to 30 seconds.
	Timeout time.Duration
}

// SMTP delivers email through a relay host. It is the heavy-duty path: it
// carries HTML bodies and attachments too large for GC Notify.
type SMTP struct {
	config SMTPConfig

	// sendMail is swapped out by tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP creates the SMTP adapter.
func NewSMTP(config SMTPConfig) *SMTP {
	if config.MaxAttachmentBytes <= 0 {
		config.MaxAttachmentBytes = 20 * 1024 * 1024
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTP{config: config, sendMail: smtp.SendMail}
}

// ID returns the provider code.
func (p *SMTP) ID() notify.ProviderCode {
	return notify.ProviderSMTP
}

// Capabilities reports what the SMTP relay can carry.
func (p *SMTP) Capabilities() Capabilities {
	return Capabilities{
		SupportsHTML:        true,
		SupportsAttachments: true,
		MaxAttachmentBytes:  p.config.MaxAttachmentBytes,
		SupportsSMS:         false,
	}
}

// Send builds a MIME message and hands it to the relay in one conversation
// covering all recipients. Connection-level failures and 4xx SMTP replies
// are transient; 5xx replies are permanent.
func (p *SMTP) Send(ctx context.Context, msg Message) Result {
	for _, a := range msg.Attachments {
		if int64(len(a.Bytes)) > p.config.MaxAttachmentBytes {
			return Permanent("ATTACHMENT_TOO_LARGE",
				fmt.Sprintf("attachment %q exceeds the relay limit", a.FileName))
		}
	}

	raw := buildMIME(p.config.From, msg)

	var auth smtp.Auth
	if p.config.Username != "" && p.config.Password != "" {
		auth = smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)

	// net/smtp has no context support; run the conversation in a goroutine
	// and honor the deadline ourselves.
	done := make(chan error, 1)
	go func() {
		done <- p.sendMail(addr, auth, p.config.From, msg.Recipients, raw)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return Transient("SMTP_TIMEOUT", "smtp conversation exceeded the send timeout")
	}

	if err == nil {
		return Success("")
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		diag := fmt.Sprintf("smtp reply %d", protoErr.Code)
		// 4xx replies are "try again later" in SMTP; 5xx are final.
		if protoErr.Code >= 500 {
			return Permanent("SMTP_REJECTED", diag)
		}
		return Transient("SMTP_DEFERRED", diag)
	}

	return Transient("SMTP_UNREACHABLE", categorizeNetworkError(err))
}

// buildMIME assembles the wire form of the message: a plain body, an HTML
// body, or multipart/mixed when attachments are present.
func buildMIME(from string, msg Message) []byte {
	var buf bytes.Buffer

	contentType := "text/plain; charset=utf-8"
	if msg.IsHTML {
		contentType = "text/html; charset=utf-8"
	}

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	// Forward bounded extra headers deterministically.
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, "from") || strings.EqualFold(k, "to") || strings.EqualFold(k, "subject") {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(k), msg.Headers[k])
	}

	if len(msg.Attachments) == 0 {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
		buf.WriteString(msg.Body)
		buf.WriteString("\r\n")
		return buf.Bytes()
	}

	const boundary = "notify-mixed-boundary"
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
	buf.WriteString(msg.Body)
	buf.WriteString("\r\n")

	atts := make([]Attachment, len(msg.Attachments))
	copy(atts, msg.Attachments)
	sort.SliceStable(atts, func(i, j int) bool { return atts[i].Order < atts[j].Order })

	for _, a := range atts {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		ctype := mime.TypeByExtension(filepath.Ext(a.FileName))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", ctype)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", a.FileName)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

		encoded := base64.StdEncoding.EncodeToString(a.Bytes)
		// RFC 2045 line-length limit.
		for len(encoded) > 76 {
			buf.WriteString(encoded[:76])
			buf.WriteString("\r\n")
			encoded = encoded[76:]
		}
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes()
}
