// Package coordinator polls one Growatt device (or the plant totals) on an
// interval and keeps the latest snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// DefaultUpdateInterval is how often a coordinator polls.
const DefaultUpdateInterval = 5 * time.Minute

// ErrUnsupported is returned for operations the device or API cannot do.
var ErrUnsupported = errors.New("operation not supported")

// Config describes what a coordinator polls and how. Exactly one of Classic
// and V1 must be set.
type Config struct {
	EntryID    string
	DeviceID   string
	DeviceType string
	PlantID    string

	Classic *ClassicSession
	V1      *growatt.V1

	Interval time.Duration
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Coordinator fetches data for one device.
type Coordinator struct {
	cfg Config

	// serializes refreshes
	refreshMu sync.Mutex

	mu       sync.RWMutex
	snapshot types.Snapshot
}

// New returns a coordinator for cfg.
func New(cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultUpdateInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Coordinator{
		cfg: cfg,
		snapshot: types.Snapshot{
			DeviceID:   cfg.DeviceID,
			DeviceType: cfg.DeviceType,
			PlantID:    cfg.PlantID,
		},
	}
}

// ID returns the device id (the plant id for totals).
func (c *Coordinator) ID() string {
	return c.cfg.DeviceID
}

// EntryID returns the entry the coordinator belongs to.
func (c *Coordinator) EntryID() string {
	return c.cfg.EntryID
}

// DeviceType returns the polled device type.
func (c *Coordinator) DeviceType() string {
	return c.cfg.DeviceType
}

// APIVersion returns "v1" for token entries and "classic" otherwise.
func (c *Coordinator) APIVersion() string {
	if c.cfg.V1 != nil {
		return "v1"
	}
	return "classic"
}

// Data returns a copy of the last snapshot.
func (c *Coordinator) Data() types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snapshot
	if s.Data != nil {
		s.Data = make(types.DeviceData, len(c.snapshot.Data))
		for k, v := range c.snapshot.Data {
			s.Data[k] = v
		}
	}
	return s
}

func (c *Coordinator) ctx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx,
		slog.String("entryID", c.cfg.EntryID),
		slog.String("deviceID", c.cfg.DeviceID),
		slog.String("deviceType", c.cfg.DeviceType),
	)
}

// Refresh fetches new data. A rate limited re-login leaves the previous data
// in place and returns the *throttle.RateLimitedError.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ctx = c.ctx(ctx)

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "updating data")
	data, err := c.fetch(ctx)

	outcome := throttle.Classify(err)
	c.cfg.Metrics.Poll(c.cfg.DeviceType, outcome.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.snapshot.LastError = err.Error()
		return err
	}
	c.snapshot.Data = data
	c.snapshot.LastUpdated = c.cfg.Clock.Now()
	c.snapshot.LastError = ""
	log.Ctx(ctx).DebugContext(ctx, "finished updating data", slog.Int("keys", len(data)))
	return nil
}

func (c *Coordinator) fetch(ctx context.Context) (types.DeviceData, error) {
	if c.cfg.V1 != nil {
		return c.fetchV1(ctx)
	}
	if c.cfg.Classic == nil {
		return nil, errors.New("coordinator has no API client")
	}

	gen := c.cfg.Classic.Generation()
	data, err := c.fetchClassic(ctx)
	if !errors.Is(err, throttle.ErrAuthRejected) {
		return data, err
	}

	if err := c.cfg.Classic.Relogin(ctx, gen); err != nil {
		return nil, err
	}
	return c.fetchClassic(ctx)
}

func (c *Coordinator) fetchClassic(ctx context.Context) (types.DeviceData, error) {
	client := c.cfg.Classic.Client()
	if c.cfg.DeviceType == types.DeviceTypeTotal {
		info, _, err := client.PlantInfo(ctx, c.cfg.PlantID)
		if err != nil {
			return nil, err
		}
		splitMoneyText(info)
		return info, nil
	}

	data, err := client.DeviceDetail(ctx, c.cfg.DeviceType, c.cfg.DeviceID, c.cfg.PlantID)
	if err != nil {
		return nil, err
	}
	if c.cfg.DeviceType == "tlx" {
		calculateEPVToday(ctx, data)
	}
	return data, nil
}

func (c *Coordinator) fetchV1(ctx context.Context) (types.DeviceData, error) {
	switch c.cfg.DeviceType {
	case types.DeviceTypeTotal:
		info, err := c.cfg.V1.PlantEnergyOverview(ctx, c.cfg.PlantID)
		if err != nil {
			return nil, err
		}
		// V1 has no money or nominal power, only map what exists
		info["todayEnergy"] = info["today_energy"]
		info["totalEnergy"] = info["total_energy"]
		info["invTodayPpv"] = info["current_power"]
		return info, nil
	case "min":
		data, err := c.cfg.V1.MinDetail(ctx, c.cfg.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("error fetching min device data: %w", err)
		}
		calculateEPVToday(ctx, data)
		return data, nil
	case "sph":
		data, err := c.cfg.V1.SphDetail(ctx, c.cfg.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("error fetching sph device data: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: device type %q on the V1 API", ErrUnsupported, c.cfg.DeviceType)
	}
}

// splitMoneyText turns plantMoneyText "12.3/EUR" into the value and a
// separate currency key.
func splitMoneyText(info types.DeviceData) {
	text, ok := info["plantMoneyText"].(string)
	if !ok {
		return
	}
	value, currency, found := strings.Cut(text, "/")
	if !found {
		return
	}
	info["plantMoneyText"] = value
	info["currency"] = currency
}

// calculateEPVToday sums epv1Today..epv4Today into epvToday when the device
// does not report it.
func calculateEPVToday(ctx context.Context, data types.DeviceData) {
	if _, ok := data["epvToday"]; ok {
		return
	}
	var found bool
	var total float64
	for i := 1; i <= 4; i++ {
		key := fmt.Sprintf("epv%dToday", i)
		v, ok := data[key]
		if !ok {
			continue
		}
		found = true
		switch t := v.(type) {
		case float64:
			total += t
		case string:
			if t == "" {
				continue
			}
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				log.Ctx(ctx).DebugContext(ctx, "could not convert pv value", slog.String("key", key), slog.String("value", t))
				continue
			}
			total += f
		}
	}
	if found {
		data["epvToday"] = total
	}
}

// Run refreshes every interval until ctx is done. Errors are logged; a rate
// limited refresh is expected and only logged at info.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.cfg.Clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAndLog(ctx)
		}
	}
}

func (c *Coordinator) refreshAndLog(ctx context.Context) {
	err := c.Refresh(ctx)
	ctx = c.ctx(ctx)
	switch throttle.Classify(err) {
	case throttle.OutcomeOK:
	case throttle.OutcomeRateLimited:
		log.Ctx(ctx).InfoContext(ctx, "refresh deferred by login throttle", slog.Any("error", err))
	default:
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
	}
}

// TimeSegments returns the nine time-of-use segments of a V1 MIN inverter.
func (c *Coordinator) TimeSegments(ctx context.Context) ([]types.TimeSegment, error) {
	data, err := c.settings(ctx, "min", "time segments")
	if err != nil {
		return nil, err
	}
	return growatt.ParseTimeSegments(data), nil
}

// UpdateTimeSegment writes a segment and refreshes the device data.
func (c *Coordinator) UpdateTimeSegment(ctx context.Context, p growatt.TimeSegmentParams) error {
	if err := c.requireV1("min", "time segments"); err != nil {
		return err
	}
	ctx = c.ctx(ctx)
	if err := c.cfg.V1.WriteTimeSegment(ctx, c.cfg.DeviceID, p); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update time segment", slog.Int("segmentID", p.SegmentID), slog.Any("error", err))
		return fmt.Errorf("failed to update time segment: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "updated time segment", slog.Int("segmentID", p.SegmentID))
	return c.Refresh(ctx)
}

// MinParameters returns the writable battery settings of a V1 MIN inverter.
func (c *Coordinator) MinParameters(ctx context.Context) (types.MinParameters, error) {
	data, err := c.settings(ctx, "min", "parameters")
	if err != nil {
		return types.MinParameters{}, err
	}
	return growatt.ParseMinParameters(data), nil
}

// UpdateMinParameter writes one MIN setting and refreshes the device data.
func (c *Coordinator) UpdateMinParameter(ctx context.Context, param growatt.MinParameter, value int) error {
	if err := c.requireV1("min", "parameters"); err != nil {
		return err
	}
	ctx = c.ctx(ctx)
	if err := c.cfg.V1.WriteMinParameter(ctx, c.cfg.DeviceID, param, value); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write parameter", slog.String("parameter", string(param)), slog.Any("error", err))
		return fmt.Errorf("failed to write %s: %w", param, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "wrote parameter", slog.String("parameter", string(param)), slog.Int("value", value))
	return c.Refresh(ctx)
}

// ACChargeTimes returns the AC charge settings of a V1 SPH inverter.
func (c *Coordinator) ACChargeTimes(ctx context.Context) (types.ACChargeTimes, error) {
	data, err := c.settings(ctx, "sph", "ac charge times")
	if err != nil {
		return types.ACChargeTimes{}, err
	}
	return growatt.ParseACChargeTimes(data), nil
}

// UpdateACChargeTimes writes the AC charge settings and refreshes.
func (c *Coordinator) UpdateACChargeTimes(ctx context.Context, p growatt.ACChargeParams) error {
	if err := c.requireV1("sph", "ac charge times"); err != nil {
		return err
	}
	ctx = c.ctx(ctx)
	if err := c.cfg.V1.WriteACChargeTimes(ctx, c.cfg.DeviceID, p); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write ac charge times", slog.Any("error", err))
		return fmt.Errorf("failed to write ac charge times: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "wrote ac charge times")
	return c.Refresh(ctx)
}

// ACDischargeTimes returns the AC discharge settings of a V1 SPH inverter.
func (c *Coordinator) ACDischargeTimes(ctx context.Context) (types.ACDischargeTimes, error) {
	data, err := c.settings(ctx, "sph", "ac discharge times")
	if err != nil {
		return types.ACDischargeTimes{}, err
	}
	return growatt.ParseACDischargeTimes(data), nil
}

// UpdateACDischargeTimes writes the AC discharge settings and refreshes.
func (c *Coordinator) UpdateACDischargeTimes(ctx context.Context, p growatt.ACDischargeParams) error {
	if err := c.requireV1("sph", "ac discharge times"); err != nil {
		return err
	}
	ctx = c.ctx(ctx)
	if err := c.cfg.V1.WriteACDischargeTimes(ctx, c.cfg.DeviceID, p); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write ac discharge times", slog.Any("error", err))
		return fmt.Errorf("failed to write ac discharge times: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "wrote ac discharge times")
	return c.Refresh(ctx)
}

// settings returns the latest device data, fetching it first if nothing has
// been polled yet.
func (c *Coordinator) settings(ctx context.Context, deviceType, feature string) (types.DeviceData, error) {
	if err := c.requireV1(deviceType, feature); err != nil {
		return nil, err
	}
	snap := c.Data()
	if snap.Data == nil {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		snap = c.Data()
	}
	return snap.Data, nil
}

func (c *Coordinator) requireV1(deviceType, feature string) error {
	if c.cfg.V1 == nil {
		return fmt.Errorf("%w: %s require token authentication", ErrUnsupported, feature)
	}
	if c.cfg.DeviceType != deviceType {
		return fmt.Errorf("%w: %s are only available on %s devices", ErrUnsupported, feature, deviceType)
	}
	return nil
}
