// Package api exposes the notification ingress over HTTP: create, fetch,
// list and resend, plus health and stats endpoints. Handlers validate,
// persist and publish; everything after the 201 belongs to the dispatcher.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/auth"
	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	apperrors "github.com/pwei1018/bcros-common-sub000/internal/errors"
	"github.com/pwei1018/bcros-common-sub000/internal/notify"
	"github.com/pwei1018/bcros-common-sub000/internal/store"
	"github.com/pwei1018/bcros-common-sub000/internal/telemetry"
)

// Pinger is the readiness surface of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the handlers.
type Config struct {
	Topic  string
	Limits notify.Limits
	// AdminRole may read and resend any notification; others only their own.
	AdminRole string
	// ResendCooldown blocks resending a notification that was delivered
	// this recently. Default 1 hour.
	ResendCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "notify.dispatch"
	}
	if c.Limits == (notify.Limits{}) {
		c.Limits = notify.DefaultLimits()
	}
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = time.Hour
	}
	return c
}

// Handler serves the notification API.
type Handler struct {
	store     store.Store
	publisher bus.Publisher
	busPing   Pinger
	config    Config
	log       logrus.FieldLogger
}

// NewHandler wires the API handler.
func NewHandler(s store.Store, publisher bus.Publisher, busPing Pinger, config Config, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		store:     s,
		publisher: publisher,
		busPing:   busPing,
		config:    config.withDefaults(),
		log:       log,
	}
}

// createRequest is the POST /notify body. Recipients is a comma-separated
// list; attachment bytes are base64.
type createRequest struct {
	Recipients string `json:"recipients"`
	RequestBy  string `json:"requestBy"`
	NotifyType string `json:"notifyType"`
	Content    struct {
		Subject     string `json:"subject"`
		Body        string `json:"body"`
		IsHTML      bool   `json:"isHtml"`
		Attachments []struct {
			FileName    string `json:"fileName"`
			FileBytes   []byte `json:"fileBytes"`
			AttachOrder int    `json:"attachOrder"`
		} `json:"attachments"`
	} `json:"content"`
}

// Create handles POST /notify.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := c.GetRawData()
	if err != nil {
		h.respondError(c, apperrors.NewValidation("unreadable request body"))
		return
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(c, apperrors.NewValidation("malformed JSON body"))
		return
	}

	n := req.toNotification(auth.Subject(c))
	if err := notify.Validate(n, h.config.Limits); err != nil {
		var tooLarge *notify.TooLargeError
		if errors.As(err, &tooLarge) {
			h.respondError(c, apperrors.NewPayloadTooLarge(tooLarge.Error()))
			return
		}
		h.respondError(c, apperrors.NewValidation(err.Error()))
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	payloadHash := hashPayload(body)

	if idemKey != "" {
		if done := h.replay(c, idemKey, payloadHash); done {
			return
		}
	}

	var key *store.IngressKey
	if idemKey != "" {
		key = &store.IngressKey{Key: idemKey, PayloadHash: payloadHash}
	}

	if err := h.store.Create(ctx, n, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a concurrent race on the same key; resolve like a replay.
			if done := h.replay(c, idemKey, payloadHash); done {
				return
			}
		}
		h.respondError(c, apperrors.NewStoreUnavailable(err))
		return
	}

	if err := h.publish(ctx, n.ID, 0, idemKey); err != nil {
		// The row is durable and PENDING; the sweeper will re-enqueue it.
		// The caller still learns the bus is degraded.
		telemetry.FromContext(ctx, h.log).WithError(err).
			WithField("notification_id", n.ID).
			Error("dispatch publish failed, row left for sweeper")
		h.respondError(c, apperrors.NewBusUnavailable(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":     strconv.FormatInt(n.ID, 10),
		"status": n.Status,
	})
}

// replay resolves a previously seen idempotency key. It returns true when
// it wrote the response.
func (h *Handler) replay(c *gin.Context, idemKey, payloadHash string) bool {
	ctx := c.Request.Context()

	existing, err := h.store.GetIngressKey(ctx, idemKey)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		h.respondError(c, apperrors.NewStoreUnavailable(err))
		return true
	}

	if existing.PayloadHash != payloadHash {
		h.respondError(c, apperrors.NewConflict("idempotency key reused with a different payload"))
		return true
	}

	// Echo the response the original accept produced, regardless of how
	// far delivery has advanced since. GET /notify/{id} reports live
	// state.
	c.JSON(http.StatusOK, gin.H{
		"id":     strconv.FormatInt(existing.NotificationID, 10),
		"status": notify.StatusPending,
	})
	return true
}

// Get handles GET /notify/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	n, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if !h.canAccess(c, n) {
		h.respondError(c, apperrors.NewAuthorization("not the owner of this notification"))
		return
	}

	c.JSON(http.StatusOK, n)
}

// List handles GET /notify.
func (h *Handler) List(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		h.respondError(c, apperrors.NewValidation(err.Error()))
		return
	}

	// Non-admins only see their own notifications.
	if claims := auth.FromContext(c); claims == nil || !claims.HasRole(h.config.AdminRole) {
		filter.RequestBy = auth.Subject(c)
	}

	notifications, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, apperrors.NewStoreUnavailable(err))
		return
	}
	if notifications == nil {
		notifications = []*notify.Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	})
}

// Resend handles POST /notify/resend/:id. A resend re-enqueues the existing
// notification for a fresh delivery cycle rather than cloning it.
func (h *Handler) Resend(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	n, err := h.store.Get(ctx, id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if !h.canAccess(c, n) {
		h.respondError(c, apperrors.NewAuthorization("not the owner of this notification"))
		return
	}

	if n.Status == notify.StatusDelivered && n.SentDate != nil &&
		time.Since(*n.SentDate) < h.config.ResendCooldown {
		h.respondError(c, apperrors.NewConflict("notification was delivered recently"))
		return
	}

	if err := h.store.Requeue(ctx, id); err != nil {
		h.respondStoreError(c, err)
		return
	}
	if err := h.publish(ctx, id, 0, ""); err != nil {
		telemetry.FromContext(ctx, h.log).WithError(err).
			WithField("notification_id", id).
			Error("resend publish failed, row left for sweeper")
		h.respondError(c, apperrors.NewBusUnavailable(err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": strconv.FormatInt(id, 10)})
}

// Depther reports how many dispatch events are waiting on a topic. The
// Redis bus implements it; other publishers may not.
type Depther interface {
	Depth(ctx context.Context, topic string) (int64, error)
}

// Stats handles GET /notify/stats.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.store.StatusCounts(ctx)
	if err != nil {
		h.respondError(c, apperrors.NewStoreUnavailable(err))
		return
	}

	body := gin.H{"statusCounts": counts}
	if d, ok := h.publisher.(Depther); ok {
		depth, err := d.Depth(ctx, h.config.Topic)
		if err != nil {
			h.respondError(c, apperrors.NewBusUnavailable(err))
			return
		}
		body["queueDepth"] = depth
	}
	c.JSON(http.StatusOK, body)
}

// Healthz reports liveness.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports readiness: both the store and the bus must answer.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{"store": "ok", "bus": "ok"}
	healthy := true
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if h.busPing != nil {
		if err := h.busPing.Ping(ctx); err != nil {
			checks["bus"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, checks)
}

func (h *Handler) publish(ctx context.Context, id int64, attempt int, idemKey string) error {
	payload, err := bus.EncodeDispatch(strconv.FormatInt(id, 10), attempt)
	if err != nil {
		return err
	}
	attrs := bus.Attributes{}
	if traceID := telemetry.CorrelationID(ctx); traceID != "" {
		attrs[bus.AttrTraceID] = traceID
	}
	if idemKey != "" {
		attrs[bus.AttrIdempotencyKey] = idemKey
	}
	return h.publisher.Publish(ctx, h.config.Topic, payload, attrs)
}

func (h *Handler) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, apperrors.NewValidation("id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// canAccess allows admins, the requester and the creator.
func (h *Handler) canAccess(c *gin.Context, n *notify.Notification) bool {
	if claims := auth.FromContext(c); claims != nil && claims.HasRole(h.config.AdminRole) {
		return true
	}
	sub := auth.Subject(c)
	return sub != "" && (n.RequestBy == sub || n.CreatedBy == sub)
}

func (h *Handler) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, apperrors.NewNotFound("notification"))
		return
	}
	h.respondError(c, apperrors.NewStoreUnavailable(err))
}

func (h *Handler) respondError(c *gin.Context, appErr *apperrors.AppError) {
	requestID := telemetry.CorrelationID(c.Request.Context())
	if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Cause != nil {
		telemetry.FromContext(c.Request.Context(), h.log).
			WithError(appErr.Cause).Error(appErr.Message)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"code":       appErr.Code,
		"message":    appErr.Message,
		"request_id": requestID,
	})
}

func (r createRequest) toNotification(subject string) *notify.Notification {
	requestBy := r.RequestBy
	if requestBy == "" {
		requestBy = subject
	}
	notifyType := notify.Type(r.NotifyType)
	if r.NotifyType == "" {
		notifyType = notify.TypeEmail
	}

	n := &notify.Notification{
		Recipients: splitRecipients(r.Recipients),
		RequestBy:  requestBy,
		CreatedBy:  subject,
		Type:       notifyType,
		Content: notify.Content{
			Subject: r.Content.Subject,
			Body:    r.Content.Body,
			IsHTML:  r.Content.IsHTML,
		},
	}
	for _, a := range r.Content.Attachments {
		n.Content.Attachments = append(n.Content.Attachments, notify.Attachment{
			FileName:    a.FileName,
			FileBytes:   a.FileBytes,
			AttachOrder: a.AttachOrder,
		})
	}
	return n
}

func hashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
