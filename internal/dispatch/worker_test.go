package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	"github.com/pwei1018/bcros-common-sub000/internal/notify"
	"github.com/pwei1018/bcros-common-sub000/internal/provider"
	"github.com/pwei1018/bcros-common-sub000/internal/retry"
	"github.com/pwei1018/bcros-common-sub000/internal/store"
)

// fakeStore is an in-memory Store with real lease and transition semantics.
type fakeStore struct {
	mu            sync.Mutex
	notifications map[int64]*notify.Notification
	claimErr      error
	updateErr     error
	releases      int
}

func newFakeStore(ns ...*notify.Notification) *fakeStore {
	s := &fakeStore{notifications: make(map[int64]*notify.Notification)}
	for _, n := range ns {
		s.notifications[n.ID] = n
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, n *notify.Notification, _ *store.IngressKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (*notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (s *fakeStore) List(context.Context, notify.Filter) ([]*notify.Notification, error) {
	return nil, nil
}

func (s *fakeStore) GetIngressKey(context.Context, string) (*store.IngressKey, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) UpdateStatus(_ context.Context, id int64, next notify.Status, entry notify.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	n, ok := s.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	if !n.Status.CanTransition(next) {
		return store.ErrInvalidTransition
	}
	n.Status = next
	switch {
	case next.Terminal():
		n.SentDate = &entry.SentDate
		n.LeaseToken = nil
	case next == notify.StatusPending:
		n.Attempt++
		n.LeaseToken = nil
	}
	n.History = append(n.History, entry)
	return nil
}

func (s *fakeStore) ClaimForDispatch(_ context.Context, id int64, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	n, ok := s.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	expired := n.LeaseExpiry != nil && n.LeaseExpiry.Before(time.Now())
	if n.Status != notify.StatusPending && !(n.Status == notify.StatusForwarded && expired) {
		return store.ErrAlreadyClaimed
	}
	n.Status = notify.StatusForwarded
	n.LeaseToken = &token
	expiry := time.Now().Add(ttl)
	n.LeaseExpiry = &expiry
	return nil
}

func (s *fakeStore) Release(_ context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	if n, ok := s.notifications[id]; ok && n.Status == notify.StatusForwarded &&
		n.LeaseToken != nil && *n.LeaseToken == token {
		n.Status = notify.StatusPending
		n.LeaseToken = nil
	}
	return nil
}

func (s *fakeStore) Requeue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	n.Status = notify.StatusPending
	n.Attempt = 0
	n.SentDate = nil
	return nil
}

func (s *fakeStore) SetProviderCode(_ context.Context, id int64, code notify.ProviderCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok && n.Provider == "" {
		n.Provider = code
	}
	return nil
}

func (s *fakeStore) SweepExpiredLeases(context.Context, time.Time) ([]store.StalePending, error) {
	return nil, nil
}

func (s *fakeStore) FindStalePending(context.Context, time.Time, int) ([]store.StalePending, error) {
	return nil, nil
}

func (s *fakeStore) StatusCounts(context.Context) (map[notify.Status]int64, error) {
	return nil, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) get(id int64) notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.notifications[id]
}

// fakeBus records publishes.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	envelope  bus.DispatchEnvelope
	deliverAt time.Time
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte, attrs bus.Attributes) error {
	return b.PublishDelayed(ctx, topic, payload, attrs, time.Now())
}

func (b *fakeBus) PublishDelayed(_ context.Context, _ string, payload []byte, _ bus.Attributes, deliverAt time.Time) error {
	env, err := bus.DecodeDispatch(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{envelope: env, deliverAt: deliverAt})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *fakeBus) Close() error                                         { return nil }

func (b *fakeBus) events() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedEvent(nil), b.published...)
}

// fakeProvider returns scripted results in order.
type fakeProvider struct {
	mu      sync.Mutex
	id      notify.ProviderCode
	caps    provider.Capabilities
	results []provider.Result
	calls   int
}

func (p *fakeProvider) Send(context.Context, provider.Message) provider.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := p.results[p.calls]
	p.calls++
	return result
}

func (p *fakeProvider) Capabilities() provider.Capabilities { return p.caps }
func (p *fakeProvider) ID() notify.ProviderCode             { return p.id }

func emailCaps() provider.Capabilities {
	return provider.Capabilities{SupportsHTML: true, SupportsAttachments: true, MaxAttachmentBytes: 1 << 30}
}

func pendingEmail(id int64) *notify.Notification {
	return &notify.Notification{
		ID:         id,
		Recipients: []string{"alice@example.com"},
		RequestBy:  "BUSINESS",
		Type:       notify.TypeEmail,
		Status:     notify.StatusPending,
		Content:    notify.Content{Subject: "hi", Body: "hello"},
	}
}

func newTestWorker(s store.Store, b Bus, p provider.Provider) *Worker {
	registry := provider.Registry{}
	if p != nil {
		registry.Register(p)
	}
	policy := retry.NewPolicy(5, time.Millisecond, time.Second)
	return NewWorker(s, b, registry, notify.NewSelector(0), policy, Config{}, nil)
}

func dispatchPayload(t *testing.T, id int64, attempt int) []byte {
	t.Helper()
	payload, err := bus.EncodeDispatch(strconv.FormatInt(id, 10), attempt)
	require.NoError(t, err)
	return payload
}

func TestWorkerDeliversOnFirstAttempt(t *testing.T) {
	s := newFakeStore(pendingEmail(7))
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{provider.Success("resp-1")}}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)

	n := s.get(7)
	assert.Equal(t, notify.StatusDelivered, n.Status)
	require.NotNil(t, n.SentDate)
	require.Len(t, n.History, 1)
	assert.Equal(t, notify.HistoryDelivered, n.History[0].StatusCode)
	require.NotNil(t, n.History[0].ResponseID)
	assert.Equal(t, "resp-1", *n.History[0].ResponseID)
	assert.Empty(t, b.events())
}

func TestWorkerRetriesTransientThenDelivers(t *testing.T) {
	s := newFakeStore(pendingEmail(7))
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{
			provider.Transient("GC_NOTIFY_UNAVAILABLE", "status 503"),
			provider.Transient("GC_NOTIFY_UNAVAILABLE", "status 503"),
			provider.Success("resp-3"),
		}}
	w := newTestWorker(s, b, p)

	// Two transient failures, each re-admitting the row and scheduling the
	// next attempt.
	for attempt := 0; attempt < 2; attempt++ {
		outcome := w.handle(context.Background(), dispatchPayload(t, 7, attempt), nil)
		assert.Equal(t, bus.Ack, outcome)

		n := s.get(7)
		assert.Equal(t, notify.StatusPending, n.Status)
		assert.Equal(t, attempt+1, n.Attempt)

		events := b.events()
		require.Len(t, events, attempt+1)
		assert.Equal(t, attempt+1, events[attempt].envelope.Attempt)
		assert.True(t, events[attempt].deliverAt.After(time.Now().Add(-time.Second)))
	}

	// Third attempt succeeds.
	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 2), nil)
	assert.Equal(t, bus.Ack, outcome)

	n := s.get(7)
	assert.Equal(t, notify.StatusDelivered, n.Status)
	require.Len(t, n.History, 3)
	assert.Equal(t, notify.HistoryFailure, n.History[0].StatusCode)
	assert.Equal(t, notify.HistoryFailure, n.History[1].StatusCode)
	assert.Equal(t, notify.HistoryDelivered, n.History[2].StatusCode)
	assert.Equal(t, 3, p.calls)
}

func TestWorkerPermanentFailure(t *testing.T) {
	s := newFakeStore(pendingEmail(7))
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{provider.Permanent("GC_NOTIFY_REJECTED", "status 400")}}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)

	n := s.get(7)
	assert.Equal(t, notify.StatusFailure, n.Status)
	require.Len(t, n.History, 1)
	assert.Equal(t, notify.HistoryFailure, n.History[0].StatusCode)
	assert.Contains(t, n.History[0].Message, "GC_NOTIFY_REJECTED")
	assert.Empty(t, b.events())
}

func TestWorkerRetriesWithBudgetLeft(t *testing.T) {
	n := pendingEmail(7)
	n.Attempt = 4 // still below a budget of 5
	s := newFakeStore(n)
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{provider.Transient("GC_NOTIFY_UNAVAILABLE", "status 503")}}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 4), nil)
	assert.Equal(t, bus.Ack, outcome)

	got := s.get(7)
	assert.Equal(t, notify.StatusPending, got.Status)
	events := b.events()
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].envelope.Attempt)
}

func TestWorkerExhaustsAttemptBudget(t *testing.T) {
	n := pendingEmail(7)
	n.Attempt = 5 // budget of 5 spent
	s := newFakeStore(n)
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{provider.Transient("GC_NOTIFY_UNAVAILABLE", "status 503")}}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 5), nil)
	assert.Equal(t, bus.Ack, outcome)

	got := s.get(7)
	assert.Equal(t, notify.StatusFailure, got.Status)
	assert.Empty(t, b.events())
}

func TestWorkerAcksTerminalRedelivery(t *testing.T) {
	n := pendingEmail(7)
	n.Status = notify.StatusDelivered
	s := newFakeStore(n)
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps()}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)
	assert.Zero(t, p.calls)
	assert.Empty(t, s.get(7).History)
}

func TestWorkerAcksUnknownNotification(t *testing.T) {
	w := newTestWorker(newFakeStore(), &fakeBus{}, nil)
	outcome := w.handle(context.Background(), dispatchPayload(t, 99, 0), nil)
	assert.Equal(t, bus.Ack, outcome)
}

func TestWorkerAcksUndecodablePayload(t *testing.T) {
	w := newTestWorker(newFakeStore(), &fakeBus{}, nil)
	assert.Equal(t, bus.Ack, w.handle(context.Background(), []byte("garbage"), nil))
}

func TestWorkerNacksOnStoreFailure(t *testing.T) {
	s := newFakeStore(pendingEmail(7))
	s.claimErr = errors.New("connection refused")
	w := newTestWorker(s, &fakeBus{}, nil)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Nack, outcome)
}

func TestWorkerReleasesOnRecordFailure(t *testing.T) {
	s := newFakeStore(pendingEmail(7))
	s.updateErr = errors.New("connection reset")
	b := &fakeBus{}
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail, caps: emailCaps(),
		results: []provider.Result{provider.Success("resp-1")}}
	w := newTestWorker(s, b, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Nack, outcome)
	assert.Equal(t, 1, s.releases)
}

func TestWorkerFailsUnknownProvider(t *testing.T) {
	n := pendingEmail(7)
	n.RequestBy = "STRR" // routes to housing, which is not registered
	s := newFakeStore(n)
	w := newTestWorker(s, &fakeBus{}, nil)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)

	got := s.get(7)
	assert.Equal(t, notify.StatusFailure, got.Status)
	require.Len(t, got.History, 1)
	assert.Contains(t, got.History[0].Message, "PROVIDER_UNKNOWN")
	assert.Equal(t, notify.ProviderHousing, got.Provider)
}

func TestWorkerCapabilityMismatchIsPermanent(t *testing.T) {
	n := pendingEmail(7)
	n.Content.IsHTML = true
	n.Provider = notify.ProviderGCNotifyEmail // pinned to a provider that cannot carry HTML
	s := newFakeStore(n)
	p := &fakeProvider{id: notify.ProviderGCNotifyEmail,
		caps: provider.Capabilities{SupportsHTML: false, SupportsAttachments: true}}
	w := newTestWorker(s, &fakeBus{}, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)
	assert.Zero(t, p.calls)

	got := s.get(7)
	assert.Equal(t, notify.StatusFailure, got.Status)
	require.Len(t, got.History, 1)
	assert.Contains(t, got.History[0].Message, "PROVIDER_CAPABILITY")
}

func TestWorkerProviderCodeIsSticky(t *testing.T) {
	n := pendingEmail(7)
	n.Provider = notify.ProviderSMTP
	s := newFakeStore(n)
	p := &fakeProvider{id: notify.ProviderSMTP, caps: emailCaps(),
		results: []provider.Result{provider.Success("")}}
	w := newTestWorker(s, &fakeBus{}, p)

	outcome := w.handle(context.Background(), dispatchPayload(t, 7, 0), nil)
	assert.Equal(t, bus.Ack, outcome)
	// The recorded provider is honored even though the selector would have
	// chosen GC Notify for this content.
	assert.Equal(t, notify.ProviderSMTP, s.get(7).Provider)
	assert.Equal(t, 1, p.calls)
}
