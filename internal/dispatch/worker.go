// Package dispatch consumes dispatch events and drives notifications
// through delivery: claim, route, send, record the outcome, and schedule
// retries. The bus delivers at least once; the store's lease makes each
// delivery attempt exclusive, so everything here is safe under redelivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	"github.com/pwei1018/bcros-common-sub000/internal/notify"
	"github.com/pwei1018/bcros-common-sub000/internal/provider"
	"github.com/pwei1018/bcros-common-sub000/internal/retry"
	"github.com/pwei1018/bcros-common-sub000/internal/store"
)

// Bus is the transport surface the worker needs.
type Bus interface {
	bus.Publisher
	bus.Subscriber
}

// Config tunes the worker.
type Config struct {
	Topic       string
	Concurrency int
	LeaseTTL    time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "notify.dispatch"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Worker consumes dispatch events and performs delivery attempts.
type Worker struct {
	store     store.Store
	bus       Bus
	providers provider.Registry
	selector  notify.Selector
	policy    retry.Policy
	config    Config
	log       logrus.FieldLogger

	// token identifies this worker's leases across claims and releases.
	token string
}

// NewWorker wires a dispatch worker.
func NewWorker(s store.Store, b Bus, providers provider.Registry, selector notify.Selector, policy retry.Policy, config Config, log logrus.FieldLogger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		store:     s,
		bus:       b,
		providers: providers,
		selector:  selector,
		policy:    policy,
		config:    config.withDefaults(),
		log:       log,
		token:     uuid.New().String(),
	}
}

// Run subscribes Concurrency consumers to the dispatch topic and blocks
// until ctx is cancelled. In-flight sends are allowed to finish; the
// per-send timeout bounds how long that takes.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"topic":       w.config.Topic,
		"concurrency": w.config.Concurrency,
		"worker":      w.token,
	}).Info("dispatch worker starting")

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.bus.Subscribe(ctx, w.config.Topic, w.handle); err != nil && !errors.Is(err, context.Canceled) {
				w.log.WithError(err).Error("subscriber stopped")
			}
		}()
	}
	wg.Wait()

	w.log.Info("dispatch worker stopped")
	return ctx.Err()
}

// handle processes one dispatch event.
func (w *Worker) handle(ctx context.Context, payload []byte, attrs bus.Attributes) bus.Outcome {
	env, err := bus.DecodeDispatch(payload)
	if err != nil {
		// A malformed envelope will never become valid; drop it.
		w.log.WithError(err).Error("dropping undecodable dispatch event")
		return bus.Ack
	}

	id, err := strconv.ParseInt(env.ID, 10, 64)
	if err != nil {
		w.log.WithError(err).WithField("id", env.ID).Error("dropping dispatch event with bad id")
		return bus.Ack
	}

	log := w.log.WithFields(logrus.Fields{
		"notification_id": id,
		"attempt":         env.Attempt,
	})
	if traceID := attrs[bus.AttrTraceID]; traceID != "" {
		log = log.WithField("trace_id", traceID)
	}

	// The send must survive shutdown cancellation so the attempt's outcome
	// gets recorded; SendTimeout bounds it either way.
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.SendTimeout)
	defer cancel()

	switch err := w.store.ClaimForDispatch(workCtx, id, w.token, w.config.LeaseTTL); {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("dispatch event for unknown notification")
		return bus.Ack
	case errors.Is(err, store.ErrAlreadyClaimed):
		// Redelivery of a message whose notification is terminal or in
		// flight elsewhere. The lease holder owns the outcome.
		log.Debug("notification already claimed, acking redelivery")
		return bus.Ack
	case err != nil:
		log.WithError(err).Error("claim failed, requeueing")
		return bus.Nack
	}

	n, err := w.store.Get(workCtx, id)
	if err != nil {
		log.WithError(err).Error("loading claimed notification failed")
		w.release(id, log)
		return bus.Nack
	}

	return w.deliver(workCtx, n, log)
}

// deliver routes and sends a claimed notification, then records the outcome.
func (w *Worker) deliver(ctx context.Context, n *notify.Notification, log logrus.FieldLogger) bus.Outcome {
	code := n.Provider
	if code == "" {
		code = w.selector.Select(n)
		if err := w.store.SetProviderCode(ctx, n.ID, code); err != nil {
			log.WithError(err).Error("recording provider code failed")
			w.release(n.ID, log)
			return bus.Nack
		}
	}
	log = log.WithField("provider", code)

	var result provider.Result
	p := w.providers.Lookup(code)
	if p == nil {
		result = provider.Permanent("PROVIDER_UNKNOWN", fmt.Sprintf("no adapter registered for %s", code))
	} else if miss := capabilityMiss(p.Capabilities(), n); miss != "" {
		// The selector routed here, so a capability mismatch means the
		// message can never be carried. Fail it rather than spin.
		result = provider.Permanent("PROVIDER_CAPABILITY", miss)
	} else {
		result = p.Send(ctx, buildMessage(n))
	}

	return w.record(ctx, n, code, result, log)
}

// record applies the provider result to the store and schedules any retry.
func (w *Worker) record(ctx context.Context, n *notify.Notification, code notify.ProviderCode, result provider.Result, log logrus.FieldLogger) bus.Outcome {
	now := time.Now().UTC()
	outcome := w.policy.Classify(result.Kind, n.Attempt)

	var entry notify.HistoryEntry
	var next notify.Status
	switch outcome {
	case retry.OutcomeSuccess:
		next = notify.StatusDelivered
		entry = notify.HistoryEntry{
			SentDate:     now,
			StatusCode:   notify.HistoryDelivered,
			ProviderCode: code,
		}
		if result.ResponseID != "" {
			entry.ResponseID = &result.ResponseID
		}
	case retry.OutcomeRetry:
		next = notify.StatusPending
		entry = notify.HistoryEntry{
			SentDate:     now,
			StatusCode:   notify.HistoryFailure,
			ProviderCode: code,
			Message:      failureMessage(result),
		}
	default:
		next = notify.StatusFailure
		entry = notify.HistoryEntry{
			SentDate:     now,
			StatusCode:   notify.HistoryFailure,
			ProviderCode: code,
			Message:      failureMessage(result),
		}
	}

	if err := w.store.UpdateStatus(ctx, n.ID, next, entry); err != nil {
		log.WithError(err).Error("recording attempt outcome failed")
		w.release(n.ID, log)
		return bus.Nack
	}

	switch outcome {
	case retry.OutcomeSuccess:
		log.Info("notification delivered")
	case retry.OutcomeRetry:
		delay := w.policy.Delay(n.Attempt)
		if err := w.republish(ctx, n.ID, n.Attempt+1, delay); err != nil {
			// The row is PENDING; the sweeper will pick it up if this
			// republish is lost.
			log.WithError(err).Error("scheduling retry failed")
		} else {
			log.WithFields(logrus.Fields{
				"code":  result.Code,
				"delay": delay.String(),
			}).Warn("delivery failed, retry scheduled")
		}
	default:
		log.WithField("code", result.Code).Error("notification failed permanently")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("provider", string(code))
			scope.SetTag("failure_code", result.Code)
			scope.SetExtra("notification_id", n.ID)
			sentry.CaptureMessage(fmt.Sprintf("notification delivery failed: %s", result.Code))
		})
	}
	return bus.Ack
}

// republish enqueues a dispatch event for a future attempt.
func (w *Worker) republish(ctx context.Context, id int64, attempt int, delay time.Duration) error {
	payload, err := bus.EncodeDispatch(strconv.FormatInt(id, 10), attempt)
	if err != nil {
		return err
	}
	return w.bus.PublishDelayed(ctx, w.config.Topic, payload, nil, time.Now().Add(delay))
}

// release returns a claimed notification to PENDING after an internal
// failure, so the nacked event can be retried promptly.
func (w *Worker) release(id int64, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.Release(ctx, id, w.token); err != nil {
		log.WithError(err).Warn("releasing lease failed, sweeper will recover it")
	}
}

// capabilityMiss returns a diagnostic when the provider cannot carry the
// notification, or "".
func capabilityMiss(caps provider.Capabilities, n *notify.Notification) string {
	if n.Type == notify.TypeText && !caps.SupportsSMS {
		return "provider does not support SMS"
	}
	if n.Content.IsHTML && !caps.SupportsHTML {
		return "provider does not support HTML content"
	}
	if len(n.Content.Attachments) > 0 {
		if !caps.SupportsAttachments {
			return "provider does not support attachments"
		}
		if caps.MaxAttachmentBytes > 0 && n.Content.TotalAttachmentBytes() > caps.MaxAttachmentBytes {
			return fmt.Sprintf("attachments exceed provider limit of %d bytes", caps.MaxAttachmentBytes)
		}
	}
	return ""
}

// buildMessage maps the notification aggregate to the provider contract.
func buildMessage(n *notify.Notification) provider.Message {
	msg := provider.Message{
		Recipients: n.Recipients,
		Subject:    n.Content.Subject,
		Body:       n.Content.Body,
		IsHTML:     n.Content.IsHTML,
		Headers: map[string]string{
			"X-Notification-ID": strconv.FormatInt(n.ID, 10),
		},
	}
	for _, a := range n.Content.Attachments {
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			FileName: a.FileName,
			Bytes:    a.FileBytes,
			Order:    a.AttachOrder,
		})
	}
	return msg
}

func failureMessage(result provider.Result) string {
	if result.Message == "" {
		return result.Code
	}
	return result.Code + ": " + result.Message
}
