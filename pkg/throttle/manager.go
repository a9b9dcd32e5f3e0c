package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/storage"
)

const (
	// StorageKey is the key the throttle record is stored under.
	StorageKey = "growatt_server.api_throttle"
	// StorageVersion is the current record version. Newer records are
	// treated as corrupt.
	StorageVersion = 1

	// DefaultCooldown applies to every category without its own cooldown.
	DefaultCooldown = 5 * time.Minute
)

// Entry is the last recorded attempt for a category.
type Entry struct {
	Category    string        `json:"category"`
	LastAttempt time.Time     `json:"lastAttempt"`
	Cooldown    time.Duration `json:"cooldown"`
}

// DecisionAt is the decision for e's category at now. Unlike CanProceed it
// does not log or count the decision.
func (e Entry) DecisionAt(now time.Time) Decision {
	return evaluate(e.LastAttempt, true, e.Cooldown, now)
}

// Decision is the answer to "may I call upstream now?". RetryAfter is zero
// when Allowed and never exceeds the category cooldown.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Manager tracks the last attempt per category and persists every recorded
// attempt so cooldowns survive restarts.
type Manager struct {
	store   *storage.Store
	clock   clock.Clock
	metrics *metrics.Metrics

	defaultCooldown time.Duration
	cooldowns       map[string]time.Duration

	loadOnce sync.Once

	mu    sync.Mutex
	last  map[string]time.Time
	locks map[string]*sync.Mutex

	saveMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetrics records decisions, attempts and storage failures.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithDefaultCooldown sets the cooldown for categories without their own.
func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) {
		m.defaultCooldown = d
	}
}

// WithCooldown sets the cooldown for one category.
func WithCooldown(category string, d time.Duration) Option {
	return func(m *Manager) {
		m.cooldowns[category] = d
	}
}

// New returns a Manager persisting to db. Nothing is read until the first
// call that needs state.
func New(db storage.Database, opts ...Option) *Manager {
	m := &Manager{}
	m.init(db, opts...)
	return m
}

func (m *Manager) init(db storage.Database, opts ...Option) {
	m.store = storage.NewStore(db, StorageKey, StorageVersion)
	m.clock = clock.New()
	m.defaultCooldown = DefaultCooldown
	m.cooldowns = make(map[string]time.Duration)
	m.last = make(map[string]time.Time)
	m.locks = make(map[string]*sync.Mutex)
	for _, opt := range opts {
		opt(m)
	}
}

// Now returns the manager's clock time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Cooldown returns the cooldown window for category.
func (m *Manager) Cooldown(category string) time.Duration {
	if d, ok := m.cooldowns[category]; ok {
		return d
	}
	return m.defaultCooldown
}

// Load reads the persisted record. Only the first call does anything. A
// missing record is an empty state; an unreadable or corrupt record is logged,
// counted and also results in an empty state, and the error is returned for
// information only. The Manager is usable either way.
func (m *Manager) Load(ctx context.Context) error {
	var err error
	m.loadOnce.Do(func() {
		err = m.load(ctx)
	})
	return err
}

func (m *Manager) load(ctx context.Context) error {
	var data map[string]any
	found, err := m.store.Load(ctx, &data)
	if err != nil {
		m.metrics.StorageError("load")
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to load throttle state, starting empty",
			slog.String("key", StorageKey),
			slog.Any("error", err),
		)
		if errors.Is(err, storage.ErrCorrupt) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !found {
		log.Ctx(ctx).DebugContext(ctx, "no throttle state stored yet")
		return nil
	}

	last := decodeState(ctx, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	// attempts recorded before the load finished are newer than anything stored
	for category, t := range last {
		if cur, ok := m.last[category]; !ok || t.After(cur) {
			m.last[category] = t
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "loaded throttle state", slog.Int("categories", len(last)))
	return nil
}

func (m *Manager) ensureLoaded(ctx context.Context) {
	// errors are already logged by load
	_ = m.Load(ctx)
}

func (m *Manager) categoryLock(category string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[category]
	if !ok {
		l = &sync.Mutex{}
		m.locks[category] = l
	}
	return l
}

// CanProceed reports whether category may call upstream at now. It never
// performs upstream I/O.
func (m *Manager) CanProceed(ctx context.Context, category string, now time.Time) Decision {
	m.ensureLoaded(ctx)

	m.mu.Lock()
	last, ok := m.last[category]
	m.mu.Unlock()

	return m.decide(ctx, category, last, ok, now)
}

func (m *Manager) decide(ctx context.Context, category string, last time.Time, ok bool, now time.Time) Decision {
	d := evaluate(last, ok, m.Cooldown(category), now)
	switch {
	case !ok:
		log.Ctx(ctx).DebugContext(ctx, "no previous attempt recorded, allowing", slog.String("category", category))
	case d.Allowed:
		log.Ctx(ctx).DebugContext(
			ctx,
			"cooldown elapsed, allowing",
			slog.String("category", category),
			slog.Duration("elapsed", now.Sub(last)),
		)
	default:
		log.Ctx(ctx).WarnContext(
			ctx,
			"throttling active",
			slog.String("category", category),
			slog.Duration("elapsed", now.Sub(last)),
			slog.Duration("retryAfter", d.RetryAfter),
		)
	}
	m.metrics.ThrottleDecision(category, d.Allowed)
	return d
}

func evaluate(last time.Time, ok bool, cooldown time.Duration, now time.Time) Decision {
	if !ok {
		return Decision{Allowed: true}
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return Decision{Allowed: true}
	}
	retry := cooldown - elapsed
	// a last attempt in the future (clock skew) must not extend the wait
	if retry > cooldown {
		retry = cooldown
	}
	if retry < 0 {
		retry = 0
	}
	return Decision{RetryAfter: retry}
}

// RecordAttempt marks category as attempted at now and persists the whole
// state before returning. If persisting fails the attempt is still recorded in
// memory and an error wrapping ErrStorageUnavailable is returned.
func (m *Manager) RecordAttempt(ctx context.Context, category string, now time.Time) error {
	m.ensureLoaded(ctx)

	l := m.categoryLock(category)
	l.Lock()
	defer l.Unlock()

	return m.record(ctx, category, now)
}

func (m *Manager) record(ctx context.Context, category string, now time.Time) error {
	m.mu.Lock()
	m.last[category] = now.UTC()
	m.mu.Unlock()

	m.metrics.ThrottleAttempt(category)
	log.Ctx(ctx).DebugContext(ctx, "recorded attempt", slog.String("category", category), slog.Time("at", now.UTC()))

	return m.save(ctx)
}

func (m *Manager) save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// snapshot under saveMu so the last write carries the newest state
	m.mu.Lock()
	data := encodeState(m.last)
	m.mu.Unlock()

	if err := m.store.Save(ctx, data); err != nil {
		m.metrics.StorageError("save")
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to persist throttle state",
			slog.String("key", StorageKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Acquire atomically checks category and, if allowed, records the attempt at
// the manager's current time. Concurrent callers for one category cannot both
// be allowed within a cooldown window. When allowed but the record could not
// be persisted, the Decision is still Allowed and the error wraps
// ErrStorageUnavailable.
func (m *Manager) Acquire(ctx context.Context, category string) (Decision, error) {
	m.ensureLoaded(ctx)

	l := m.categoryLock(category)
	l.Lock()
	defer l.Unlock()

	now := m.clock.Now()

	m.mu.Lock()
	last, ok := m.last[category]
	m.mu.Unlock()

	d := m.decide(ctx, category, last, ok, now)
	if !d.Allowed {
		return d, nil
	}
	return d, m.record(ctx, category, now)
}

// Entries returns every recorded category sorted by name.
func (m *Manager) Entries(ctx context.Context) []Entry {
	m.ensureLoaded(ctx)

	m.mu.Lock()
	entries := make([]Entry, 0, len(m.last))
	for category, t := range m.last {
		entries = append(entries, Entry{
			Category:    category,
			LastAttempt: t,
			Cooldown:    m.Cooldown(category),
		})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Category < entries[j].Category
	})
	return entries
}
