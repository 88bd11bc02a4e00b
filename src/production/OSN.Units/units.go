package units

import (
	"fmt"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

// ConvertTemperature rewrites a temperature sample in the desired unit. It is
// a no-op when the units already match or the source unit is unknown, and
// errors on unit pairs outside the C/F/K matrix. Conversion happens after
// aggregation, on the response only; stored values are never rewritten.
func ConvertTemperature(t *osnmodels.Temperature, desiredUnit string) error {
	if t.Unit == desiredUnit || t.Unit == "" {
		return nil
	}
	switch {
	case t.Unit == "C" && desiredUnit == "F":
		t.Temp = t.Temp*9/5 + 32
	case t.Unit == "C" && desiredUnit == "K":
		t.Temp = t.Temp + 273.15
	case t.Unit == "F" && desiredUnit == "C":
		t.Temp = (t.Temp - 32) * 5 / 9
	case t.Unit == "F" && desiredUnit == "K":
		t.Temp = (t.Temp + 459.67) * 5 / 9
	case t.Unit == "K" && desiredUnit == "C":
		t.Temp = t.Temp - 273.15
	case t.Unit == "K" && desiredUnit == "F":
		t.Temp = t.Temp*9/5 - 459.67
	default:
		return fmt.Errorf("unsupported temperature unit conversion: %s to %s", t.Unit, desiredUnit)
	}
	t.Unit = desiredUnit
	return nil
}
