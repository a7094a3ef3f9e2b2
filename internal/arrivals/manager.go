package arrivals

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/transitops/arrivals-proxy/internal/models"
	"github.com/transitops/arrivals-proxy/internal/observability"
	"github.com/transitops/arrivals-proxy/internal/store"
	"github.com/transitops/arrivals-proxy/internal/traffic"
	"github.com/transitops/arrivals-proxy/internal/upstream"
)

// Defaults for the cache manager. TTL bounds how long a snapshot is served
// without an upstream call; RetryInterval paces the background retry task
// after a transient upstream failure.
const (
	DefaultTTL           = 60 * time.Second
	DefaultRetryInterval = 2 * time.Second
)

// refreshKey is the single-flight key: the manager owns exactly one snapshot,
// so all refresh attempts coalesce under one slot.
const refreshKey = "arrivals"

// Result is the outcome of a Get: the records plus cache metadata the HTTP
// adapter maps onto the response envelope.
type Result struct {
	Data    []models.Arrival
	Hit     bool
	Stale   bool
	Age     time.Duration
	Message string // advisory, set when serving stale data
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *zap.Logger
	Now           func() time.Time // injectable clock for tests
}

// Manager owns the single cached arrivals snapshot. It serializes concurrent
// refresh attempts into one in-flight upstream call, serves stale data during
// outages, and runs a background retry task while the upstream is failing.
// Construct with New and tear down with Close.
type Manager struct {
	fetcher       upstream.Fetcher
	store         store.Store
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	retryCancel context.CancelFunc // non-nil while the retry task is armed
	closed      bool
	wg          sync.WaitGroup
}

// New creates a Manager over the given fetcher and snapshot store.
func New(fetcher upstream.Fetcher, st store.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		fetcher:       fetcher,
		store:         st,
		ttl:           opts.TTL,
		retryInterval: opts.RetryInterval,
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Get is the sole externally callable entry point. It returns the cached
// snapshot while fresh, refreshes on expiry, falls back to stale data when a
// refresh fails and a prior payload exists, and on a cold-start failure makes
// one additional attempt through the same single-flight slot before surfacing
// the upstream error.
func (m *Manager) Get(ctx context.Context, credential string) (Result, error) {
	observability.ArrivalsRequestsTotal.Inc()

	snap, ok, err := m.store.Load(ctx)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		m.logger.Warn("snapshot load failed", zap.Error(err))
		ok = false
	}

	if ok {
		age := snap.Age(m.now())
		if age < m.ttl {
			observability.CacheHitsTotal.Inc()
			m.logger.Debug("cache hit", zap.Duration("age", age))
			return Result{Data: snap.Arrivals, Hit: true, Age: age}, nil
		}
	}

	fresh, refreshErr := m.refresh(credential)
	if refreshErr == nil {
		return Result{Data: fresh.Arrivals}, nil
	}

	if ok {
		age := snap.Age(m.now())
		observability.StaleServesTotal.Inc()
		observability.StaleAgeSeconds.Observe(age.Seconds())
		m.logger.Info("serving stale arrivals", zap.Duration("age", age), zap.Error(refreshErr))
		return Result{
			Data:    snap.Arrivals,
			Hit:     true,
			Stale:   true,
			Age:     age,
			Message: "upstream unavailable; serving cached arrivals",
		}, nil
	}

	// Cold start with a failed refresh: one more attempt, still deduplicated.
	// Concurrent cold-start callers that lost the same flight coalesce here
	// instead of each issuing its own upstream call.
	fresh, retryErr := m.refresh(credential)
	if retryErr == nil {
		return Result{Data: fresh.Arrivals}, nil
	}
	return Result{}, retryErr
}

// refresh coalesces concurrent refresh attempts into one upstream call. Every
// caller that joins the same flight receives the identical outcome.
func (m *Manager) refresh(credential string) (store.Snapshot, error) {
	v, err, shared := m.group.Do(refreshKey, func() (interface{}, error) {
		return m.doRefresh(credential)
	})
	if shared {
		observability.CoalescedRefreshesTotal.Inc()
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	return v.(store.Snapshot), nil
}

// doRefresh performs the actual upstream call and snapshot replacement. It
// runs detached from any caller's context: an in-flight refresh always runs
// to completion, bounded only by the fetcher's own timeout.
func (m *Manager) doRefresh(credential string) (interface{}, error) {
	ctx := context.Background()

	arrivals, err := m.fetcher.Fetch(ctx, credential)
	if err != nil {
		traffic.RecordError()
		observability.UpstreamErrorsTotal.WithLabelValues(string(upstream.CategorizeError(err))).Inc()
		if upstream.IsTransient(err) && m.hasSnapshot(ctx) {
			m.armRetry(credential)
		}
		return nil, err
	}
	traffic.RecordSuccess()

	snap := store.Snapshot{Arrivals: arrivals, FetchedAt: m.now()}
	if saveErr := m.store.Save(ctx, snap); saveErr != nil {
		observability.StoreErrorsTotal.WithLabelValues("save").Inc()
		m.logger.Warn("snapshot save failed", zap.Error(saveErr))
	}
	m.disarmRetry()
	return snap, nil
}

// hasSnapshot reports whether a prior payload exists for stale fallback.
func (m *Manager) hasSnapshot(ctx context.Context) bool {
	_, ok, err := m.store.Load(ctx)
	return err == nil && ok
}

// armRetry starts the background retry task if none is armed. At most one
// task exists at any instant; arming while armed is a no-op.
func (m *Manager) armRetry(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.retryCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.retryCancel = cancel
	observability.RetryArmsTotal.Inc()
	observability.RetryTaskArmed.Set(1)
	m.logger.Info("retry task armed", zap.Duration("interval", m.retryInterval))
	m.wg.Add(1)
	go m.retryLoop(ctx, credential)
}

// disarmRetry cancels the retry task if armed. Called on refresh success.
func (m *Manager) disarmRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
		observability.RetryTaskArmed.Set(0)
	}
}

// retryLoop re-invokes refresh every retryInterval until a refresh succeeds
// (which disarms it), the failure turns permanent, or the manager is closed.
func (m *Manager) retryLoop(ctx context.Context, credential string) {
	defer m.wg.Done()
	timer := time.NewTimer(m.retryInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		observability.RetryAttemptsTotal.Inc()
		_, err := m.refresh(credential)
		if err == nil {
			// Refresh success already disarmed the task.
			return
		}
		if !upstream.IsTransient(err) {
			m.logger.Warn("retry task stopping on permanent error", zap.Error(err))
			m.disarmRetry()
			return
		}
		m.logger.Debug("retry attempt failed", zap.Error(err))
		timer.Reset(m.retryInterval)
	}
}

// Prime performs one refresh so the first request can be served from cache.
// Best effort; callers decide whether a failure is fatal.
func (m *Manager) Prime(credential string) error {
	_, err := m.refresh(credential)
	return err
}

// RetryArmed reports whether the background retry task is currently armed.
func (m *Manager) RetryArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCancel != nil
}

// Close cancels any armed retry task and waits for it to exit. The manager
// must not be used after Close.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
		observability.RetryTaskArmed.Set(0)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
