package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/johanzander/growatt-server-upstream/pkg/coordinator"
	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/session"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

const (
	// CountdownInterval is how often a deferred setup refreshes its
	// notification.
	CountdownInterval = 30 * time.Second

	throttleTitle = "Growatt Server - Rate Limited"
	errorTitle    = "Growatt Server - Setup Error"
)

// ErrClosed is returned by Setup once Close has been called.
var ErrClosed = errors.New("setup service closed")

// NotReadyError means setup cannot proceed until RetryAfter has passed.
type NotReadyError struct {
	EntryID    string
	RetryAfter time.Duration
	Err        error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("entry %s not ready, retry in %s: %v", e.EntryID, throttle.FormatWait(e.RetryAfter), e.Err)
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// Runtime is a set-up entry.
type Runtime struct {
	EntryID string
	PlantID string
	Total   *coordinator.Coordinator
	Devices map[string]*coordinator.Coordinator

	cancel context.CancelFunc
}

// Coordinators returns the total coordinator followed by the devices sorted
// by id.
func (r *Runtime) Coordinators() []*coordinator.Coordinator {
	ids := make([]string, 0, len(r.Devices))
	for id := range r.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []*coordinator.Coordinator{r.Total}
	for _, id := range ids {
		out = append(out, r.Devices[id])
	}
	return out
}

// Service sets up entries. It is safe for concurrent use.
type Service struct {
	throttle *throttle.Manager
	registry *coordinator.Registry
	sessions *session.Cache[*growatt.Classic]
	notifier Notifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	entries  *EntryStore

	newClassic func(serverURL, username string) *growatt.Classic
	newV1      func(serverURL, token string) *growatt.V1

	updateInterval    time.Duration
	countdownInterval time.Duration
	deferSetup        bool
	polling           bool

	mu       sync.Mutex
	runtimes map[string]*Runtime
	pending  map[string]*pendingSetup
	closed   bool

	wg sync.WaitGroup
}

// pendingSetup is a deferred setup waiting out the login cooldown.
type pendingSetup struct {
	cancel context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for countdowns and snapshots.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithNotifier sets where countdown and error notifications go.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithMetrics records poll outcomes of created coordinators.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = mt
	}
}

// WithSessionCache shares a session cache, otherwise each Service has its
// own.
func WithSessionCache(c *session.Cache[*growatt.Classic]) Option {
	return func(s *Service) {
		s.sessions = c
	}
}

// WithEntryStore sets the store Start reads from and writes to.
func WithEntryStore(es *EntryStore) Option {
	return func(s *Service) {
		s.entries = es
	}
}

// WithUpdateInterval sets the polling interval of created coordinators.
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Service) {
		s.updateInterval = d
	}
}

// WithDeferSetup controls whether a rate limited Setup retries by itself.
func WithDeferSetup(enabled bool) Option {
	return func(s *Service) {
		s.deferSetup = enabled
	}
}

// WithPolling controls whether coordinators start polling after setup.
func WithPolling(enabled bool) Option {
	return func(s *Service) {
		s.polling = enabled
	}
}

// WithClients replaces the upstream client constructors.
func WithClients(classic func(serverURL, username string) *growatt.Classic, v1 func(serverURL, token string) *growatt.V1) Option {
	return func(s *Service) {
		if classic != nil {
			s.newClassic = classic
		}
		if v1 != nil {
			s.newV1 = v1
		}
	}
}

// New returns a Service that registers coordinators in registry.
func New(tm *throttle.Manager, registry *coordinator.Registry, opts ...Option) *Service {
	s := &Service{}
	s.init(tm, registry, opts...)
	return s
}

func (s *Service) init(tm *throttle.Manager, registry *coordinator.Registry, opts ...Option) {
	s.throttle = tm
	s.registry = registry
	s.clock = clock.New()
	s.newClassic = growatt.NewClassic
	s.newV1 = growatt.NewV1
	s.updateInterval = coordinator.DefaultUpdateInterval
	s.countdownInterval = CountdownInterval
	s.deferSetup = true
	s.polling = true
	s.runtimes = make(map[string]*Runtime)
	s.pending = make(map[string]*pendingSetup)
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = session.New[*growatt.Classic](session.WithClock(s.clock))
	}
	if s.notifier == nil {
		s.notifier = NewMemoryNotifier(s.clock)
	}
}

// Notifier returns where notifications are sent.
func (s *Service) Notifier() Notifier {
	return s.notifier
}

// Runtime returns the runtime of a set-up entry.
func (s *Service) Runtime(entryID string) (*Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[entryID]
	return rt, ok
}

// Start loads, migrates and sets up every stored entry. Migrated entries are
// written back before setup. Entries that fail are logged and skipped; rate
// limited ones are retried in the background when deferral is enabled.
func (s *Service) Start(ctx context.Context) error {
	if s.entries == nil {
		return errors.New("no entry store configured")
	}
	entries, err := s.entries.Load()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no entries configured", slog.String("path", s.entries.Path()))
		return nil
	}

	var changed bool
	ready := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
			entries[i] = e
			changed = true
		}
		migrated, err := s.Migrate(ctx, e)
		if err != nil {
			if throttle.Classify(err) != throttle.OutcomeRateLimited {
				log.Ctx(ctx).ErrorContext(ctx, "failed to migrate entry", slog.String("entryID", e.ID), slog.Any("error", err))
				continue
			}
			// setup resolves the plant itself once the cooldown passes
			migrated = e
		}
		if migrated != e {
			entries[i] = migrated
			changed = true
		}
		ready = append(ready, migrated)
	}

	if changed {
		if err := s.entries.Save(entries); err != nil {
			// nothing will take the sessions Migrate cached
			for _, e := range ready {
				s.sessions.Discard(e.ID)
			}
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "saved migrated entries", slog.String("path", s.entries.Path()))
	}

	for _, e := range ready {
		if _, err := s.Setup(ctx, e); err != nil {
			var nr *NotReadyError
			if errors.As(err, &nr) {
				log.Ctx(ctx).WarnContext(ctx, "entry setup deferred", slog.String("entryID", e.ID), slog.String("retryIn", throttle.FormatWait(nr.RetryAfter)))
				continue
			}
			log.Ctx(ctx).ErrorContext(ctx, "failed to set up entry", slog.String("entryID", e.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Setup logs in (or reuses the session cached by Migrate), discovers the
// plant's devices and creates a coordinator for the plant totals and for each
// supported device. A rate limited login returns a *NotReadyError.
func (s *Service) Setup(ctx context.Context, e Entry) (*Runtime, error) {
	ctx = log.WithAttrs(ctx, slog.String("entryID", e.ID))
	log.Ctx(ctx).DebugContext(ctx, "setting up entry")

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	creds, _, err := types.DetectAuthType(e.Data)
	if err != nil {
		return nil, err
	}
	if u, changed := growatt.NormalizeURL(creds.URL); changed {
		if creds.URL != "" {
			log.Ctx(ctx).InfoContext(ctx, "replacing deprecated server url", slog.String("from", creds.URL), slog.String("to", u))
		}
		creds.URL = u
	}

	var rt *Runtime
	switch creds.AuthType {
	case types.AuthAPIToken:
		rt, err = s.setupV1(ctx, e.ID, creds)
	case types.AuthPassword:
		rt, err = s.setupClassic(ctx, e.ID, creds)
	default:
		err = fmt.Errorf("unknown authentication type %q", creds.AuthType)
	}

	var rl *throttle.RateLimitedError
	if errors.As(err, &rl) {
		nr := &NotReadyError{EntryID: e.ID, RetryAfter: rl.RetryAfter, Err: err}
		if s.deferSetup {
			s.deferUntilReady(ctx, e, rl.RetryAfter)
		}
		return nil, nr
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Close or Unload may have happened while we were talking to Growatt
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "dropping entry set up after it was stopped")
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
	if old, ok := s.runtimes[e.ID]; ok {
		s.teardown(old)
	}
	if s.polling {
		s.startPolling(ctx, rt)
	}
	s.runtimes[e.ID] = rt
	for _, c := range rt.Coordinators() {
		s.registry.Add(c)
	}
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "entry set up", slog.String("plantID", rt.PlantID), slog.Int("devices", len(rt.Devices)))
	return rt, nil
}

func (s *Service) setupClassic(ctx context.Context, entryID string, creds types.Credentials) (*Runtime, error) {
	var client *growatt.Classic
	if cached, ok := s.sessions.Take(entryID); ok && cached.Credentials.SameAccount(creds) {
		log.Ctx(ctx).DebugContext(ctx, "reusing logged-in session from migration")
		client = cached.Handle
	} else {
		if ok {
			log.Ctx(ctx).DebugContext(ctx, "cached session is for a different account, logging in")
		}
		client = s.newClassic(creds.URL, creds.Username)
		_, err := throttle.Do(ctx, s.throttle, growatt.LoginCategory, func(ctx context.Context) (growatt.LoginResult, error) {
			return client.Login(ctx, creds.Username, creds.Password)
		})
		if err != nil {
			return nil, err
		}
	}

	plantID := creds.PlantID
	if plantID == "" || plantID == types.DefaultPlantID {
		plants, err := client.PlantList(ctx, client.UserID())
		if err != nil {
			return nil, fmt.Errorf("error communicating with Growatt during plant list: %w", err)
		}
		if len(plants) == 0 {
			return nil, errors.New("no plants found for this account")
		}
		plantID = plants[0].ID
	}

	devices, err := client.DeviceList(ctx, plantID)
	if err != nil {
		return nil, fmt.Errorf("error communicating with Growatt during device list: %w", err)
	}

	sess := coordinator.NewClassicSession(client, creds, s.throttle)
	return s.buildRuntime(ctx, entryID, plantID, devices, func(cfg *coordinator.Config) {
		cfg.Classic = sess
	})
}

func (s *Service) setupV1(ctx context.Context, entryID string, creds types.Credentials) (*Runtime, error) {
	if creds.PlantID == "" || creds.PlantID == types.DefaultPlantID {
		return nil, fmt.Errorf("%w: token entry without a plant id", ErrCorruptEntry)
	}
	api := s.newV1(creds.URL, creds.Token)
	devices, err := api.DeviceList(ctx, creds.PlantID)
	if err != nil {
		return nil, fmt.Errorf("API error during device list: %w", err)
	}
	return s.buildRuntime(ctx, entryID, creds.PlantID, devices, func(cfg *coordinator.Config) {
		cfg.V1 = api
	})
}

func (s *Service) buildRuntime(ctx context.Context, entryID, plantID string, devices []types.Device, client func(*coordinator.Config)) (*Runtime, error) {
	newCoordinator := func(id, deviceType string) *coordinator.Coordinator {
		cfg := coordinator.Config{
			EntryID:    entryID,
			DeviceID:   id,
			DeviceType: deviceType,
			PlantID:    plantID,
			Interval:   s.updateInterval,
			Metrics:    s.metrics,
			Clock:      s.clock,
		}
		client(&cfg)
		return coordinator.New(cfg)
	}

	rt := &Runtime{
		EntryID: entryID,
		PlantID: plantID,
		Total:   newCoordinator(plantID, types.DeviceTypeTotal),
		Devices: make(map[string]*coordinator.Coordinator),
	}
	for _, d := range devices {
		if !types.PolledDeviceTypes[d.Type] {
			log.Ctx(ctx).DebugContext(ctx, "skipping unsupported device", slog.String("deviceID", d.SerialNumber), slog.String("deviceType", d.Type))
			continue
		}
		rt.Devices[d.SerialNumber] = newCoordinator(d.SerialNumber, d.Type)
	}

	for _, c := range rt.Coordinators() {
		if err := c.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("first refresh of %s failed: %w", c.ID(), err)
		}
	}
	return rt, nil
}

// teardown stops rt's pollers and unregisters its coordinators.
func (s *Service) teardown(rt *Runtime) {
	if rt.cancel != nil {
		rt.cancel()
	}
	for _, c := range rt.Coordinators() {
		s.registry.Remove(c)
	}
}

// startPolling must be called with s.mu held and s.closed false so that
// wg.Add cannot race Close's wg.Wait.
func (s *Service) startPolling(ctx context.Context, rt *Runtime) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	for _, c := range rt.Coordinators() {
		s.wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer s.wg.Done()
			c.Run(ctx)
		}(c)
	}
}

// deferUntilReady waits out the cooldown in the background while keeping a
// countdown notification current, then retries Setup. Unload and Close cancel
// the wait.
func (s *Service) deferUntilReady(ctx context.Context, e Entry, wait time.Duration) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingSetup{cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	if prev, ok := s.pending[e.ID]; ok {
		prev.cancel()
	}
	s.pending[e.ID] = p
	s.wg.Add(1)
	s.mu.Unlock()

	throttleID := "growatt_throttle_" + e.ID
	log.Ctx(ctx).WarnContext(ctx, "setup throttled, waiting for the login cooldown", slog.String("retryIn", throttle.FormatWait(wait)))
	s.notifier.Notify(ctx, throttleID, throttleTitle, throttleMessage(wait))

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.pending[e.ID] == p {
				delete(s.pending, e.ID)
			}
			s.mu.Unlock()
			cancel()
		}()

		remaining := wait
		for remaining > 0 {
			chunk := min(s.countdownInterval, remaining)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(chunk):
			}
			remaining -= chunk
			if remaining > 0 && ctx.Err() == nil {
				s.notifier.Notify(ctx, throttleID, throttleTitle, throttleMessage(remaining))
			}
		}
		s.notifier.Dismiss(ctx, throttleID)

		log.Ctx(ctx).InfoContext(ctx, "throttle period expired, completing setup")
		_, err := s.Setup(ctx, e)
		if err == nil {
			log.Ctx(ctx).InfoContext(ctx, "completed deferred setup")
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			log.Ctx(ctx).DebugContext(ctx, "deferred setup stopped", slog.Any("error", err))
			return
		}
		var nr *NotReadyError
		if errors.As(err, &nr) && s.deferSetup {
			// Setup already scheduled the next attempt
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to complete deferred setup", slog.Any("error", err))
		s.notifier.Notify(ctx, "growatt_error_"+e.ID, errorTitle,
			fmt.Sprintf("Growatt setup failed: %v. Please disable and re-enable the entry.", err))
	}()
}

func throttleMessage(remaining time.Duration) string {
	wait := throttle.FormatWait(remaining)
	return fmt.Sprintf("Growatt API rate limited, auto-retry in %s. "+
		"This protects your account from being locked out. "+
		"Setup will continue automatically, no restart needed.", wait)
}

// Unload stops an entry: its pollers stop, its coordinators leave the
// registry and a pending deferred setup is cancelled. It reports whether the
// entry was set up or waiting to be.
func (s *Service) Unload(ctx context.Context, entryID string) bool {
	s.mu.Lock()
	rt, loaded := s.runtimes[entryID]
	if loaded {
		delete(s.runtimes, entryID)
		s.teardown(rt)
	}
	p, waiting := s.pending[entryID]
	if waiting {
		delete(s.pending, entryID)
		p.cancel()
	}
	s.mu.Unlock()

	if waiting {
		s.notifier.Dismiss(ctx, "growatt_throttle_"+entryID)
	}
	s.sessions.Discard(entryID)
	if loaded || waiting {
		log.Ctx(ctx).InfoContext(ctx, "unloaded entry", slog.String("entryID", entryID), slog.Bool("wasPending", waiting))
	}
	return loaded || waiting
}

// Close stops polling and pending deferred setups and waits for them. Setup
// fails with ErrClosed afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, rt := range s.runtimes {
		if rt.cancel != nil {
			rt.cancel()
		}
	}
	for _, p := range s.pending {
		p.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
