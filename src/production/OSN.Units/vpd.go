package units

import (
	"fmt"
	"math"
)

// ComputeVPD derives the vapor pressure deficit in kPa from a temperature in
// degrees Celsius and a relative humidity in percent, using the Tetens
// saturation vapor pressure approximation.
//
//	satVP = 0.61078 * exp(17.27*T / (T + 237.3))
//	VPD   = satVP * (1 - RH/100)
//
// The formula is undefined at T = -237.3; temperatures at or below that
// bound are rejected rather than divided through.
func ComputeVPD(tempC, rh float64) (float64, error) {
	if tempC <= -237.3 {
		return 0, fmt.Errorf("temperature %.2fC is outside the valid range for vapor pressure", tempC)
	}
	satVP := 0.61078 * math.Exp((17.27*tempC)/(tempC+237.3))
	return satVP * (1 - rh/100), nil
}
