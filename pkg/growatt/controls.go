package growatt

import (
	"fmt"

	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// ACPeriodCount is the number of AC charge and discharge periods on MIX/SPH
// inverters.
const ACPeriodCount = 3

// ACPeriod is one charge or discharge window to write.
type ACPeriod struct {
	Start   TimeOfDay
	End     TimeOfDay
	Enabled bool
}

// ACChargeParams are written together; the inverter has no per-field command.
type ACChargeParams struct {
	ChargePower  int
	StopSOC      int
	MainsEnabled bool
	Periods      [ACPeriodCount]ACPeriod
}

// Validate checks the ranges the inverter accepts.
func (p ACChargeParams) Validate() error {
	if err := validatePercent("charge_power", p.ChargePower); err != nil {
		return err
	}
	return validatePercent("charge_stop_soc", p.StopSOC)
}

// ACDischargeParams are the discharge counterpart of ACChargeParams.
type ACDischargeParams struct {
	DischargePower int
	StopSOC        int
	Periods        [ACPeriodCount]ACPeriod
}

// Validate checks the ranges the inverter accepts.
func (p ACDischargeParams) Validate() error {
	if err := validatePercent("discharge_power", p.DischargePower); err != nil {
		return err
	}
	return validatePercent("discharge_stop_soc", p.StopSOC)
}

func validatePercent(name string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be between 0 and 100, got %d", name, v)
	}
	return nil
}

// periodParams flattens periods into start hour, start minute, end hour, end
// minute and enabled for each period in order.
func periodParams(periods [ACPeriodCount]ACPeriod) []string {
	out := make([]string, 0, 5*ACPeriodCount)
	for _, p := range periods {
		out = append(out,
			fmt.Sprint(p.Start.Hour),
			fmt.Sprint(p.Start.Minute),
			fmt.Sprint(p.End.Hour),
			fmt.Sprint(p.End.Minute),
			boolParam(p.Enabled),
		)
	}
	return out
}

// MinParameter is a MIN/TLX setting written with its own command.
type MinParameter string

const (
	MinChargePower      MinParameter = "charge_power"
	MinChargeStopSOC    MinParameter = "charge_stop_soc"
	MinDischargePower   MinParameter = "discharge_power"
	MinDischargeStopSOC MinParameter = "discharge_stop_soc"
	MinACCharge         MinParameter = "ac_charge"
)

// MinParameters are the parameters WriteMinParameter accepts.
var MinParameters = []MinParameter{
	MinChargePower,
	MinChargeStopSOC,
	MinDischargePower,
	MinDischargeStopSOC,
	MinACCharge,
}

// Validate checks that param is known and value is in its range.
func (param MinParameter) Validate(value int) error {
	switch param {
	case MinChargePower, MinChargeStopSOC, MinDischargePower, MinDischargeStopSOC:
		return validatePercent(string(param), value)
	case MinACCharge:
		if value != 0 && value != 1 {
			return fmt.Errorf("ac_charge must be 0 or 1, got %d", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown parameter %q", string(param))
	}
}

// ParseMinParameters reads the current MIN/TLX settings. The V1 API reads
// them back under different names than it writes them.
func ParseMinParameters(data types.DeviceData) types.MinParameters {
	var out types.MinParameters
	out.ChargePower = optInt(data["chargePowerCommand"])
	out.ChargeStopSOC = optInt(data["wchargeSOCLowLimit"])
	out.DischargePower = optInt(data["disChargePowerCommand"])
	out.DischargeStopSOC = optInt(data["wdisChargeSOCLowLimit"])
	if v := optInt(data["acChargeEnable"]); v != nil {
		b := *v == 1
		out.ACCharge = &b
	}
	return out
}

// ParseACChargeTimes reads the AC charge settings out of MIX/SPH settings
// data, with the same null tolerance as the time segments.
func ParseACChargeTimes(data types.DeviceData) types.ACChargeTimes {
	out := types.ACChargeTimes{
		ChargePower:   optInt(data["chargePowerCommand"]),
		ChargeStopSOC: optInt(data["wchargeSOCLowLimit1"]),
		Periods:       parseACPeriods(data, "forcedChargeTimeStart", "forcedChargeTimeStop", "forcedChargeStopSwitch"),
	}
	if out.ChargeStopSOC == nil {
		out.ChargeStopSOC = optInt(data["wchargeSOCLowLimit"])
	}
	if v, ok := asInt(data["acChargeEnable"]); ok {
		out.MainsEnabled = v == 1
	}
	return out
}

// ParseACDischargeTimes reads the AC discharge settings out of MIX/SPH
// settings data.
func ParseACDischargeTimes(data types.DeviceData) types.ACDischargeTimes {
	out := types.ACDischargeTimes{
		DischargePower:   optInt(data["disChargePowerCommand"]),
		DischargeStopSOC: optInt(data["wdisChargeSOCLowLimit1"]),
		Periods:          parseACPeriods(data, "forcedDischargeTimeStart", "forcedDischargeTimeStop", "forcedDischargeStopSwitch"),
	}
	if out.DischargeStopSOC == nil {
		out.DischargeStopSOC = optInt(data["loadFirstStopSocSet"])
	}
	return out
}

func parseACPeriods(data types.DeviceData, startKey, stopKey, switchKey string) []types.ACPeriod {
	periods := make([]types.ACPeriod, 0, ACPeriodCount)
	for i := 1; i <= ACPeriodCount; i++ {
		p := types.ACPeriod{
			PeriodID:  i,
			StartTime: parseSegmentTime(data[fmt.Sprintf("%s%d", startKey, i)]),
			EndTime:   parseSegmentTime(data[fmt.Sprintf("%s%d", stopKey, i)]),
		}
		if enabled, ok := asInt(data[fmt.Sprintf("%s%d", switchKey, i)]); ok {
			p.Enabled = enabled == 1
		}
		periods = append(periods, p)
	}
	return periods
}

func optInt(v any) *int {
	i, ok := asInt(v)
	if !ok {
		return nil
	}
	return &i
}
