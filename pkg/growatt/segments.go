package growatt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// SegmentCount is the number of time-of-use segments on MIN/TLX inverters.
const SegmentCount = 9

// TimeOfDay is an hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS"; seconds are ignored.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("time must be in HH:MM or HH:MM:SS format: %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// TimeSegmentParams is one segment to write.
type TimeSegmentParams struct {
	SegmentID int
	BattMode  types.BatteryMode
	Start     TimeOfDay
	End       TimeOfDay
	Enabled   bool
}

// Validate checks the ranges the inverter accepts.
func (p TimeSegmentParams) Validate() error {
	if p.SegmentID < 1 || p.SegmentID > SegmentCount {
		return fmt.Errorf("segment_id must be between 1 and %d, got %d", SegmentCount, p.SegmentID)
	}
	if p.BattMode < types.BatteryModeLoadFirst || p.BattMode > types.BatteryModeGridFirst {
		return fmt.Errorf("batt_mode must be between 0 and 2, got %d", p.BattMode)
	}
	return nil
}

func parseSegmentTime(v any) string {
	s := asString(v)
	if s == "" {
		return "00:00"
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return "00:00"
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return "00:00"
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "00:00"
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// ParseTimeSegments reads the nine segments out of MIN settings data. Missing
// or "null" values become 00:00, an unknown mode and disabled.
func ParseTimeSegments(data types.DeviceData) []types.TimeSegment {
	segments := make([]types.TimeSegment, 0, SegmentCount)
	for i := 1; i <= SegmentCount; i++ {
		seg := types.TimeSegment{
			SegmentID: i,
			StartTime: parseSegmentTime(data[fmt.Sprintf("forcedTimeStart%d", i)]),
			EndTime:   parseSegmentTime(data[fmt.Sprintf("forcedTimeStop%d", i)]),
			ModeName:  "Unknown",
		}
		if mode, ok := asInt(data[fmt.Sprintf("time%dMode", i)]); ok {
			bm := types.BatteryMode(mode)
			seg.BattMode = &bm
			seg.ModeName = bm.Name()
		}
		if enabled, ok := asInt(data[fmt.Sprintf("forcedStopSwitch%d", i)]); ok {
			seg.Enabled = enabled == 1
		}
		segments = append(segments, seg)
	}
	return segments
}
