package types

import "time"

// Plant is a Growatt plant (site) as returned by the plant list calls.
type Plant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device is an inverter or storage unit attached to a plant.
type Device struct {
	SerialNumber string `json:"serialNumber"`
	Type         string `json:"type"`
}

// DeviceTypeTotal is the pseudo device used for plant-level totals.
const DeviceTypeTotal = "total"

// PolledDeviceTypes are the device types that get their own coordinator.
var PolledDeviceTypes = map[string]bool{
	"inverter": true,
	"tlx":      true,
	"storage":  true,
	"mix":      true,
	"min":      true,
	"sph":      true,
}

// DeviceData is the raw key/value telemetry for one device. The upstream
// responses are loosely typed so we keep them as-is.
type DeviceData map[string]any

// Snapshot is what a coordinator last fetched.
type Snapshot struct {
	DeviceID    string     `json:"deviceID"`
	DeviceType  string     `json:"deviceType"`
	PlantID     string     `json:"plantID"`
	Data        DeviceData `json:"data"`
	LastUpdated time.Time  `json:"lastUpdated"`
	LastError   string     `json:"lastError,omitempty"`
}

// BatteryMode is the priority mode of a time-of-use segment.
type BatteryMode int

const (
	BatteryModeLoadFirst    BatteryMode = 0
	BatteryModeBatteryFirst BatteryMode = 1
	BatteryModeGridFirst    BatteryMode = 2
)

// BatteryModes maps the accepted user spellings to a mode.
var BatteryModes = map[string]BatteryMode{
	"load_first":    BatteryModeLoadFirst,
	"0":             BatteryModeLoadFirst,
	"battery_first": BatteryModeBatteryFirst,
	"1":             BatteryModeBatteryFirst,
	"grid_first":    BatteryModeGridFirst,
	"2":             BatteryModeGridFirst,
}

// Name returns the display name of the mode.
func (m BatteryMode) Name() string {
	switch m {
	case BatteryModeLoadFirst:
		return "Load First"
	case BatteryModeBatteryFirst:
		return "Battery First"
	case BatteryModeGridFirst:
		return "Grid First"
	default:
		return "Unknown"
	}
}

// TimeSegment is one of the nine time-of-use segments on MIN/TLX inverters.
// Times are "HH:MM".
type TimeSegment struct {
	SegmentID int          `json:"segmentID"`
	BattMode  *BatteryMode `json:"battMode"`
	ModeName  string       `json:"modeName"`
	StartTime string       `json:"startTime"`
	EndTime   string       `json:"endTime"`
	Enabled   bool         `json:"enabled"`
}

// ACPeriod is one AC charge or discharge window of a MIX/SPH inverter. Times
// are "HH:MM".
type ACPeriod struct {
	PeriodID  int    `json:"periodID"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Enabled   bool   `json:"enabled"`
}

// ACChargeTimes are the AC charge settings of a MIX/SPH inverter. Values the
// inverter did not report are nil.
type ACChargeTimes struct {
	ChargePower   *int       `json:"chargePower"`
	ChargeStopSOC *int       `json:"chargeStopSOC"`
	MainsEnabled  bool       `json:"mainsEnabled"`
	Periods       []ACPeriod `json:"periods"`
}

// ACDischargeTimes are the AC discharge settings of a MIX/SPH inverter.
type ACDischargeTimes struct {
	DischargePower   *int       `json:"dischargePower"`
	DischargeStopSOC *int       `json:"dischargeStopSOC"`
	Periods          []ACPeriod `json:"periods"`
}

// MinParameters are the writable battery settings of a MIN/TLX inverter.
type MinParameters struct {
	ChargePower      *int  `json:"chargePower"`
	ChargeStopSOC    *int  `json:"chargeStopSOC"`
	DischargePower   *int  `json:"dischargePower"`
	DischargeStopSOC *int  `json:"dischargeStopSOC"`
	ACCharge         *bool `json:"acCharge"`
}
