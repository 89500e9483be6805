package application_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	infraCredential "github.com/AzielCF/az-publisher/infrastructure/credential"
	infraDelivery "github.com/AzielCF/az-publisher/infrastructure/delivery"
	"github.com/AzielCF/az-publisher/publishing/application"
	"github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/AzielCF/az-publisher/publishing/repository"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrg = "org-1"

var (
	facebookTarget = post.Target{Platform: "facebook", AccountID: "page-1"}
	linkedinTarget = post.Target{Platform: "linkedin", AccountID: "company-1"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedAdapter returns the scripted error for the n-th call and succeeds
// once the script runs out.
type scriptedAdapter struct {
	platform string
	script   []error

	mu    sync.Mutex
	calls []delivery.PublishRequest
}

func newScriptedAdapter(platform string, script ...error) *scriptedAdapter {
	return &scriptedAdapter{platform: platform, script: script}
}

func (a *scriptedAdapter) Platform() string { return a.platform }

func (a *scriptedAdapter) Publish(_ context.Context, req delivery.PublishRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.calls)
	a.calls = append(a.calls, req)
	if n < len(a.script) && a.script[n] != nil {
		return "", a.script[n]
	}
	return fmt.Sprintf("%s-post-%d", a.platform, n+1), nil
}

func (a *scriptedAdapter) Calls() []delivery.PublishRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]delivery.PublishRequest(nil), a.calls...)
}

// blockingAdapter holds every call until release is closed.
type blockingAdapter struct {
	platform string
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func newBlockingAdapter(platform string) *blockingAdapter {
	return &blockingAdapter{platform: platform, started: make(chan struct{}), release: make(chan struct{})}
}

func (a *blockingAdapter) Platform() string { return a.platform }

func (a *blockingAdapter) Publish(ctx context.Context, _ delivery.PublishRequest) (string, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
		return a.platform + "-late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.PostStatusChanged
}

func (n *recordingNotifier) PublishStatusChanged(_ context.Context, event notify.PostStatusChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []notify.PostStatusChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.PostStatusChanged(nil), n.events...)
}

type harness struct {
	clock      *fakeClock
	store      post.Store
	memory     *repository.MemoryStore
	creds      *infraCredential.MemoryStore
	monitor    *repository.MemoryMonitoringStore
	notifier   *recordingNotifier
	signal     *application.LocalSignal
	projector  *application.StatusProjector
	scheduler  *application.Scheduler
	dispatcher *application.Dispatcher
	sweeper    *application.Sweeper
}

type harnessOption func(h *harness)

// withStore replaces the store the pipeline runs on; the memory store stays reachable.
func withStore(wrap func(*repository.MemoryStore) post.Store) harnessOption {
	return func(h *harness) { h.store = wrap(h.memory) }
}

func newHarness(t *testing.T, adapters []delivery.Adapter, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:    newFakeClock(),
		memory:   repository.NewMemoryStore(),
		creds:    infraCredential.NewMemoryStore(),
		monitor:  repository.NewMemoryMonitoringStore(),
		notifier: &recordingNotifier{},
		signal:   application.NewLocalSignal(),
	}
	h.store = h.memory
	for _, opt := range opts {
		opt(h)
	}

	policy := application.DefaultRetryPolicy()
	policy.Rand = func() float64 { return 0 }

	h.projector = application.NewStatusProjector(h.notifier, h.clock)
	h.scheduler = application.NewScheduler(h.store, h.signal, h.projector, h.clock, application.SchedulerConfig{})
	h.dispatcher = application.NewDispatcher(h.store, h.creds, infraDelivery.NewRegistry(adapters...), policy, h.projector, h.monitor, h.clock,
		application.DispatcherConfig{
			Workers:        1,
			Lease:          2 * time.Minute,
			AdapterTimeout: 5 * time.Second,
			ServerID:       "test",
		})
	h.sweeper = application.NewSweeper(h.store, h.signal, application.AlwaysLock, h.monitor, h.clock,
		application.SweeperConfig{Interval: 5 * time.Minute})
	return h
}

func (h *harness) grant(t *testing.T, targets ...post.Target) {
	t.Helper()
	for _, target := range targets {
		require.NoError(t, h.creds.PutToken(context.Background(), credential.Token{
			OrganizationID: testOrg,
			Platform:       target.Platform,
			AccountID:      target.AccountID,
			AccessToken:    "token-" + target.AccountID,
		}))
	}
}

func (h *harness) createPost(t *testing.T, targets ...post.Target) post.Post {
	t.Helper()
	p, err := h.store.CreatePost(context.Background(), post.Post{
		OrganizationID: testOrg,
		Body:           "Spring launch is live",
		Targets:        targets,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) get(t *testing.T, id string) post.Post {
	t.Helper()
	p, err := h.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	assertProjected(t, p)
	return p
}

func (h *harness) runOnce(t *testing.T) bool {
	t.Helper()
	claimed, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	return claimed
}

// assertProjected checks that the stored status never drifts from its results.
func assertProjected(t *testing.T, p post.Post) {
	t.Helper()
	if p.Status == post.StatusCanceled {
		return
	}
	assert.Equal(t, application.Project(p.Results), p.Status, "status of post %s drifted from its target results", p.ID)
}

func resultFor(t *testing.T, p post.Post, target post.Target) post.TargetResult {
	t.Helper()
	r, ok := p.Result(target)
	require.True(t, ok, "no result for %s", target.Key())
	return *r
}

// captureLogs records standard logger entries for the rest of the test.
func captureLogs(t *testing.T) *logtest.Hook {
	t.Helper()
	original := logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(original) })
	return hook
}

func loggedMessage(hook *logtest.Hook, fragment string) (*logrus.Entry, bool) {
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, fragment) {
			return entry, true
		}
	}
	return nil, false
}

// failingSignal never delivers a wake-up.
type failingSignal struct{}

func (failingSignal) Signal(context.Context) error { return errors.New("valkey unreachable") }
func (failingSignal) Wake() <-chan struct{} { return nil }
