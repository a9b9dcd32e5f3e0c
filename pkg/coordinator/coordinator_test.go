package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/storage"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClassic serves the classic endpoints. While expired is set every data
// call fails with 403 until the next login.
type fakeClassic struct {
	logins  atomic.Int32
	details atomic.Int32
	expired atomic.Bool
}

func (f *fakeClassic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/newTwoLoginAPI.do":
		f.logins.Add(1)
		f.expired.Store(false)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"back": map[string]interface{}{
				"success": true,
				"user":    map[string]interface{}{"id": 42},
			},
		})
		return
	}
	if f.expired.Load() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	switch r.URL.Path {
	case "/newTwoPlantAPI.do":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plantMoneyText": "12.5/EUR",
			"todayEnergy":    "3.4",
			"deviceList":     []interface{}{map[string]interface{}{"deviceSn": "TLX1", "deviceType": "tlx"}},
		})
	case "/newTlxApi.do":
		f.details.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"epv1Today": "1.5",
				"epv2Today": 2.0,
				"epv3Today": "",
			},
		})
	default:
		http.Error(w, "not found", 404)
	}
}

type classicFixture struct {
	fake    *fakeClassic
	ts      *httptest.Server
	clock   *clock.Mock
	tm      *throttle.Manager
	session *ClassicSession
	metrics *metrics.Metrics
}

func newClassicFixture(t *testing.T) *classicFixture {
	t.Helper()
	fake := &fakeClassic{}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	clk := clock.NewMock()
	clk.Set(t0)

	db, err := storage.NewFileDatabase(t.TempDir())
	require.NoError(t, err)
	mt := metrics.New()
	tm := throttle.New(db, throttle.WithClock(clk), throttle.WithMetrics(mt))

	creds := types.Credentials{AuthType: types.AuthPassword, Username: "user", Password: "pw", URL: ts.URL + "/"}
	client := growatt.NewClassic(creds.URL, creds.Username)

	return &classicFixture{
		fake:    fake,
		ts:      ts,
		clock:   clk,
		tm:      tm,
		session: NewClassicSession(client, creds, tm),
		metrics: mt,
	}
}

func (f *classicFixture) coordinator(deviceType, id string) *Coordinator {
	return New(Config{
		EntryID:    "entry",
		DeviceID:   id,
		DeviceType: deviceType,
		PlantID:    "1001",
		Classic:    f.session,
		Metrics:    f.metrics,
		Clock:      f.clock,
	})
}

func TestClassicRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("Total", func(t *testing.T) {
		f := newClassicFixture(t)
		c := f.coordinator(types.DeviceTypeTotal, "1001")
		assert.Equal(t, "classic", c.APIVersion())

		require.NoError(t, c.Refresh(ctx))
		snap := c.Data()
		assert.Equal(t, "12.5", snap.Data["plantMoneyText"])
		assert.Equal(t, "EUR", snap.Data["currency"])
		assert.NotContains(t, snap.Data, "deviceList")
		assert.Equal(t, t0, snap.LastUpdated)
		assert.Empty(t, snap.LastError)
	})

	t.Run("TLX EPV Today", func(t *testing.T) {
		f := newClassicFixture(t)
		c := f.coordinator("tlx", "TLX1")

		require.NoError(t, c.Refresh(ctx))
		assert.Equal(t, 3.5, c.Data().Data["epvToday"])
	})

	t.Run("Expired Session Relogin", func(t *testing.T) {
		f := newClassicFixture(t)
		c := f.coordinator("tlx", "TLX1")
		f.fake.expired.Store(true)

		require.NoError(t, c.Refresh(ctx))
		assert.EqualValues(t, 1, f.fake.logins.Load())
		assert.EqualValues(t, 1, f.fake.details.Load())
		assert.EqualValues(t, 1, f.session.Generation())

		entries := f.tm.Entries(ctx)
		require.Len(t, entries, 1)
		assert.Equal(t, growatt.LoginCategory, entries[0].Category)
		assert.Equal(t, t0, entries[0].LastAttempt)
	})

	t.Run("Relogin Rate Limited", func(t *testing.T) {
		f := newClassicFixture(t)
		c := f.coordinator("tlx", "TLX1")
		require.NoError(t, c.Refresh(ctx))
		before := c.Data()

		require.NoError(t, f.tm.RecordAttempt(ctx, growatt.LoginCategory, t0))
		f.clock.Add(time.Minute)
		f.fake.expired.Store(true)

		err := c.Refresh(ctx)
		var rl *throttle.RateLimitedError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, 4*time.Minute, rl.RetryAfter)
		assert.EqualValues(t, 0, f.fake.logins.Load())

		after := c.Data()
		assert.Equal(t, before.Data, after.Data)
		assert.Equal(t, before.LastUpdated, after.LastUpdated)
		assert.Contains(t, after.LastError, "rate limited")

		expected := `
# HELP growatt_poll_total Device refreshes by device type and outcome
# TYPE growatt_poll_total counter
growatt_poll_total{device_type="tlx",outcome="ok"} 1
growatt_poll_total{device_type="tlx",outcome="rate_limited"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "growatt_poll_total"))
	})

	t.Run("Unsupported Device", func(t *testing.T) {
		f := newClassicFixture(t)
		c := f.coordinator("nope", "X")
		assert.Error(t, c.Refresh(ctx))
	})
}

func TestClassicSessionRelogin(t *testing.T) {
	ctx := context.Background()
	f := newClassicFixture(t)

	seen := f.session.Generation()
	require.NoError(t, f.session.Relogin(ctx, seen))
	// a second caller that saw the same generation must not log in again
	require.NoError(t, f.session.Relogin(ctx, seen))
	assert.EqualValues(t, 1, f.fake.logins.Load())
	assert.EqualValues(t, 1, f.session.Generation())
}

func TestRun(t *testing.T) {
	f := newClassicFixture(t)
	c := f.coordinator("tlx", "TLX1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// wait for the ticker to be registered
	assert.Eventually(t, func() bool {
		f.clock.Add(DefaultUpdateInterval)
		return f.fake.details.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func v1OK(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error_code": 0,
		"error_msg":  "",
		"data":       data,
	})
}

func TestV1Refresh(t *testing.T) {
	ctx := context.Background()

	var writes atomic.Int32
	var mode atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/plant/data":
			v1OK(w, map[string]interface{}{"today_energy": "4.2", "total_energy": "900", "current_power": 1200})
		case "/v1/device/tlx/tlx_data_info":
			v1OK(w, map[string]interface{}{"deviceSn": "MIN1"})
		case "/v1/device/tlx/tlx_set_info":
			v1OK(w, map[string]interface{}{
				"forcedTimeStart1":  "6:30",
				"forcedTimeStop1":   "9:0",
				"time1Mode":         mode.Load(),
				"forcedStopSwitch1": 1,
				"forcedTimeStart2":  "null",
				"forcedStopSwitch2": "0",
			})
		case "/v1/device/tlx/tlx_last_data":
			v1OK(w, map[string]interface{}{"epvToday": 7.0})
		case "/v1/tlxSet":
			require.NoError(t, r.ParseForm())
			writes.Add(1)
			mode.Store(2)
			v1OK(w, nil)
		default:
			http.Error(w, "not found", 404)
		}
	}))
	defer ts.Close()

	v1 := growatt.NewV1(ts.URL+"/", "tok")
	clk := clock.NewMock()
	clk.Set(t0)

	t.Run("Total", func(t *testing.T) {
		c := New(Config{DeviceID: "1001", DeviceType: types.DeviceTypeTotal, PlantID: "1001", V1: v1, Clock: clk})
		assert.Equal(t, "v1", c.APIVersion())
		require.NoError(t, c.Refresh(ctx))
		d := c.Data().Data
		assert.Equal(t, "4.2", d["todayEnergy"])
		assert.Equal(t, "900", d["totalEnergy"])
		assert.EqualValues(t, 1200, d["invTodayPpv"])
	})

	t.Run("Time Segments", func(t *testing.T) {
		c := New(Config{DeviceID: "MIN1", DeviceType: "min", PlantID: "1001", V1: v1, Clock: clk})

		segs, err := c.TimeSegments(ctx)
		require.NoError(t, err)
		require.Len(t, segs, growatt.SegmentCount)
		assert.Equal(t, "06:30", segs[0].StartTime)
		assert.Equal(t, "09:00", segs[0].EndTime)
		assert.True(t, segs[0].Enabled)
		require.NotNil(t, segs[0].BattMode)
		assert.Equal(t, types.BatteryModeLoadFirst, *segs[0].BattMode)
		assert.Equal(t, "00:00", segs[1].StartTime)
		assert.False(t, segs[1].Enabled)

		err = c.UpdateTimeSegment(ctx, growatt.TimeSegmentParams{
			SegmentID: 1,
			BattMode:  types.BatteryModeGridFirst,
			Start:     growatt.TimeOfDay{Hour: 6, Minute: 30},
			End:       growatt.TimeOfDay{Hour: 9},
			Enabled:   true,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, writes.Load())

		// the write refreshes so the new mode is visible immediately
		segs, err = c.TimeSegments(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Grid First", segs[0].ModeName)
	})

	t.Run("Invalid Segment", func(t *testing.T) {
		c := New(Config{DeviceID: "MIN1", DeviceType: "min", V1: v1, Clock: clk})
		err := c.UpdateTimeSegment(ctx, growatt.TimeSegmentParams{SegmentID: 0})
		assert.Error(t, err)
		assert.EqualValues(t, 1, writes.Load())
	})

	t.Run("Segments Unsupported", func(t *testing.T) {
		c := New(Config{DeviceID: "SPH1", DeviceType: "sph", V1: v1, Clock: clk})
		_, err := c.TimeSegments(ctx)
		assert.ErrorIs(t, err, ErrUnsupported)

		f := newClassicFixture(t)
		_, err = f.coordinator("tlx", "TLX1").TimeSegments(ctx)
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestV1Controls(t *testing.T) {
	ctx := context.Background()

	var commands atomic.Pointer[[]string]
	commands.Store(&[]string{})
	record := func(r *http.Request) {
		require.NoError(t, r.ParseForm())
		cmds := append(append([]string{}, *commands.Load()...), r.PostForm.Get("type")+"="+r.PostForm.Get("param1"))
		commands.Store(&cmds)
	}
	var chargePower atomic.Int32
	chargePower.Store(50)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/device/tlx/tlx_data_info", "/v1/device/tlx/tlx_last_data":
			v1OK(w, map[string]interface{}{"deviceSn": "MIN1"})
		case "/v1/device/tlx/tlx_set_info":
			v1OK(w, map[string]interface{}{
				"chargePowerCommand":    chargePower.Load(),
				"wchargeSOCLowLimit":    "100",
				"disChargePowerCommand": "100",
				"wdisChargeSOCLowLimit": "10",
				"acChargeEnable":        "1",
			})
		case "/v1/device/mix/mix_data_info":
			v1OK(w, map[string]interface{}{
				"chargePowerCommand":         "80",
				"wchargeSOCLowLimit1":        "95",
				"forcedChargeTimeStart1":     "1:0",
				"forcedChargeTimeStop1":      "5:0",
				"forcedChargeStopSwitch1":    "1",
				"disChargePowerCommand":      "60",
				"wdisChargeSOCLowLimit1":     "20",
				"forcedDischargeTimeStart2":  "17:0",
				"forcedDischargeTimeStop2":   "21:0",
				"forcedDischargeStopSwitch2": "1",
			})
		case "/v1/device/mix/mix_last_data":
			v1OK(w, map[string]interface{}{"soc": 55})
		case "/v1/tlxSet":
			record(r)
			if v, err := strconv.Atoi(r.PostForm.Get("param1")); err == nil && r.PostForm.Get("type") == "charge_power" {
				chargePower.Store(int32(v))
			}
			v1OK(w, nil)
		case "/v1/mixSet":
			record(r)
			v1OK(w, nil)
		default:
			http.Error(w, "not found", 404)
		}
	}))
	defer ts.Close()

	v1 := growatt.NewV1(ts.URL+"/", "tok")
	clk := clock.NewMock()
	clk.Set(t0)

	t.Run("Min Parameters", func(t *testing.T) {
		c := New(Config{DeviceID: "MIN1", DeviceType: "min", V1: v1, Clock: clk})

		params, err := c.MinParameters(ctx)
		require.NoError(t, err)
		require.NotNil(t, params.ChargePower)
		assert.Equal(t, 50, *params.ChargePower)
		require.NotNil(t, params.DischargeStopSOC)
		assert.Equal(t, 10, *params.DischargeStopSOC)
		require.NotNil(t, params.ACCharge)
		assert.True(t, *params.ACCharge)

		require.NoError(t, c.UpdateMinParameter(ctx, growatt.MinChargePower, 75))
		params, err = c.MinParameters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 75, *params.ChargePower)

		assert.Error(t, c.UpdateMinParameter(ctx, growatt.MinChargeStopSOC, 101))
		assert.Equal(t, []string{"charge_power=75"}, *commands.Load())
	})

	t.Run("AC Charge Times", func(t *testing.T) {
		c := New(Config{DeviceID: "SPH1", DeviceType: "sph", V1: v1, Clock: clk})

		charge, err := c.ACChargeTimes(ctx)
		require.NoError(t, err)
		require.NotNil(t, charge.ChargePower)
		assert.Equal(t, 80, *charge.ChargePower)
		assert.Equal(t, 95, *charge.ChargeStopSOC)
		require.Len(t, charge.Periods, growatt.ACPeriodCount)
		assert.Equal(t, types.ACPeriod{PeriodID: 1, StartTime: "01:00", EndTime: "05:00", Enabled: true}, charge.Periods[0])

		discharge, err := c.ACDischargeTimes(ctx)
		require.NoError(t, err)
		assert.Equal(t, 60, *discharge.DischargePower)
		assert.Equal(t, 20, *discharge.DischargeStopSOC)
		assert.True(t, discharge.Periods[1].Enabled)
		assert.Equal(t, "17:00", discharge.Periods[1].StartTime)

		err = c.UpdateACChargeTimes(ctx, growatt.ACChargeParams{ChargePower: 90, StopSOC: 100, MainsEnabled: true})
		require.NoError(t, err)
		err = c.UpdateACDischargeTimes(ctx, growatt.ACDischargeParams{DischargePower: 100, StopSOC: 15})
		require.NoError(t, err)
		assert.ErrorContains(t, c.UpdateACDischargeTimes(ctx, growatt.ACDischargeParams{StopSOC: -1}), "discharge_stop_soc")

		assert.Equal(t, []string{
			"charge_power=75",
			"mix_ac_charge_time_period=90",
			"mix_ac_discharge_time_period=100",
		}, *commands.Load())
	})

	t.Run("Wrong Device Type", func(t *testing.T) {
		minC := New(Config{DeviceID: "MIN1", DeviceType: "min", V1: v1, Clock: clk})
		_, err := minC.ACChargeTimes(ctx)
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.ErrorIs(t, minC.UpdateACDischargeTimes(ctx, growatt.ACDischargeParams{}), ErrUnsupported)

		sphC := New(Config{DeviceID: "SPH1", DeviceType: "sph", V1: v1, Clock: clk})
		_, err = sphC.MinParameters(ctx)
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.ErrorIs(t, sphC.UpdateMinParameter(ctx, growatt.MinACCharge, 1), ErrUnsupported)

		f := newClassicFixture(t)
		_, err = f.coordinator("mix", "SPH1").ACChargeTimes(ctx)
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Len(t, *commands.Load(), 3)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(New(Config{EntryID: "e1", DeviceID: "b"}))
	r.Add(New(Config{EntryID: "e1", DeviceID: "a"}))
	r.Add(New(Config{EntryID: "e1", DeviceID: "b", DeviceType: "tlx"}))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())
	assert.Equal(t, "b", all[1].ID())

	c, ok := r.Get("e1", "b")
	require.True(t, ok)
	assert.Equal(t, "tlx", c.DeviceType())

	_, ok = r.Get("e1", "c")
	assert.False(t, ok)

	t.Run("Same Plant In Two Entries", func(t *testing.T) {
		r := NewRegistry()
		first := New(Config{EntryID: "e1", DeviceID: "1001", DeviceType: types.DeviceTypeTotal})
		second := New(Config{EntryID: "e2", DeviceID: "1001", DeviceType: types.DeviceTypeTotal})
		r.Add(first)
		r.Add(second)

		all := r.All()
		require.Len(t, all, 2)
		assert.Same(t, first, all[0])
		assert.Same(t, second, all[1])

		c, ok := r.Get("e2", "1001")
		require.True(t, ok)
		assert.Same(t, second, c)
	})

	t.Run("Remove", func(t *testing.T) {
		r := NewRegistry()
		old := New(Config{EntryID: "e1", DeviceID: "a"})
		r.Add(old)
		replacement := New(Config{EntryID: "e1", DeviceID: "a"})
		r.Add(replacement)

		// a stale coordinator does not evict its replacement
		assert.False(t, r.Remove(old))
		assert.Len(t, r.All(), 1)

		assert.True(t, r.Remove(replacement))
		assert.Empty(t, r.All())
		assert.False(t, r.Remove(replacement))
	})

	t.Run("Remove Entry", func(t *testing.T) {
		r := NewRegistry()
		r.Add(New(Config{EntryID: "e1", DeviceID: "a"}))
		r.Add(New(Config{EntryID: "e1", DeviceID: "b"}))
		r.Add(New(Config{EntryID: "e2", DeviceID: "a"}))

		assert.Equal(t, 2, r.RemoveEntry("e1"))
		all := r.All()
		require.Len(t, all, 1)
		assert.Equal(t, "e2", all[0].EntryID())
		assert.Zero(t, r.RemoveEntry("e1"))
	})
}
