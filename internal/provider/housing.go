package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// HousingConfig holds the housing-service adapter configuration. The
// adapter authenticates with a service-account client-credentials flow
// against TokenURL and posts messages to APIURL.
type HousingConfig struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Timeout for HTTP requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Housing delivers STRR notifications to the external housing service over
// HTTP with a bearer token.
type Housing struct {
	config     HousingConfig
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewHousing creates the housing adapter.
func NewHousing(config HousingConfig) *Housing {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Housing{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxConnsPerHost: 32,
			},
		},
	}
}

// ID returns the provider code.
func (p *Housing) ID() notify.ProviderCode {
	return notify.ProviderHousing
}

// Capabilities reports what the housing service can carry.
func (p *Housing) Capabilities() Capabilities {
	// The housing service ingests the message as JSON, so it carries any
	// content type except attachments.
	return Capabilities{
		SupportsHTML:        true,
		SupportsAttachments: false,
		SupportsSMS:         true,
	}
}

// Send posts the message to the housing service. A 5xx reply (and 408/429)
// is transient; any other 4xx is permanent. A 401 once triggers a token
// refresh and a single resend before giving up.
func (p *Housing) Send(ctx context.Context, msg Message) Result {
	if len(msg.Attachments) > 0 {
		return Permanent("ATTACHMENTS_UNSUPPORTED", "housing service cannot carry attachments")
	}

	result := p.send(ctx, msg)
	if result.Kind == KindPermanent && result.Code == "HOUSING_UNAUTHORIZED" {
		p.invalidateToken()
		result = p.send(ctx, msg)
	}
	return result
}

func (p *Housing) send(ctx context.Context, msg Message) Result {
	token, err := p.bearerToken(ctx)
	if err != nil {
		return Transient("TOKEN_UNAVAILABLE", categorizeNetworkError(err))
	}

	payload, err := json.Marshal(map[string]any{
		"recipients": strings.Join(msg.Recipients, ","),
		"content": map[string]any{
			"subject": msg.Subject,
			"body":    msg.Body,
		},
	})
	if err != nil {
		return Permanent("ENCODE_FAILED", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.APIURL, bytes.NewReader(payload))
	if err != nil {
		return Permanent("REQUEST_FAILED", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient("NETWORK_ERROR", categorizeNetworkError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch classifyStatus(resp.StatusCode) {
	case KindSuccess:
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.ID != "" {
			return Success(parsed.ID)
		}
		return Success("")
	case KindTransient:
		return Transient("HOUSING_UNAVAILABLE", fmt.Sprintf("housing service returned status %d", resp.StatusCode))
	default:
		code := "HOUSING_REJECTED"
		if resp.StatusCode == http.StatusUnauthorized {
			code = "HOUSING_UNAUTHORIZED"
		}
		return Permanent(code, fmt.Sprintf("housing service returned status %d", resp.StatusCode))
	}
}

// bearerToken returns a cached service-account token, fetching a fresh one
// when the cache is empty or within a minute of expiry.
func (p *Housing) bearerToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Until(p.tokenExpiry) > time.Minute {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching service account token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}

	p.token = parsed.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return p.token, nil
}

func (p *Housing) invalidateToken() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
