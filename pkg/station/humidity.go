package station

import "math"

const (
	universalGasConstant = 8314.3 // J/(kmol*K)
	waterMolecularWeight = 18.016 // kg/kmol
)

// AbsoluteHumidity returns the absolute humidity in g/m³ for a temperature in
// degrees Celsius and a relative humidity in percent, using the Magnus
// formula over water.
func AbsoluteHumidity(temperature, relativeHumidity float64) float64 {
	a, b := 7.5, 237.3
	if temperature < 0.0 {
		a, b = 7.6, 240.7
	}

	// Saturation vapour pressure and vapour pressure, in hPa
	svp := 6.1078 * math.Pow(10.0, (a*temperature)/(b+temperature))
	vp := relativeHumidity / 100.0 * svp

	tk := temperature + 273.15

	return 1e5 * waterMolecularWeight / universalGasConstant * vp / tk
}
