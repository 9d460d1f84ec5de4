package station

import (
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/galdor/go-ejson"
)

// Measurement is a reading submitted by a sensor. Temperature is in degrees
// Celsius, humidity is the relative humidity in percent and pressure is in
// hPa.
type Measurement struct {
	Sensor          string   `json:"sensor"`
	Temperature     *float64 `json:"temperature"`
	Humidity        *float64 `json:"humidity"`
	Pressure        *float64 `json:"pressure"`
	RawVoltage      *float64 `json:"raw_voltage,omitempty"`
	Charge          *float64 `json:"charge,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
}

func (m *Measurement) ValidateJSON(v *ejson.Validator) {
	if v.CheckStringNotEmpty("sensor", m.Sensor) {
		checkTagValue(v, "sensor", m.Sensor)
	}

	checkTagValue(v, "firmware_version", m.FirmwareVersion)

	checkRequiredNumber(v, "temperature", m.Temperature)
	checkRequiredNumber(v, "pressure", m.Pressure)

	if checkRequiredNumber(v, "humidity", m.Humidity) {
		if *m.Humidity < 0.0 || *m.Humidity > 100.0 {
			v.AddError("humidity", "invalid_humidity",
				"relative humidity must be between 0 and 100")
		}
	}
}

// Sensor identifiers and firmware versions end up as time-series tags, where a
// final unpaired backslash cannot be encoded.
func checkTagValue(v *ejson.Validator, token string, value string) {
	if influx.EndsWithEscape(value) {
		v.AddError(token, "invalid_trailing_backslash",
			"value must not end with a backslash")
	}
}

func checkRequiredNumber(v *ejson.Validator, token string, value *float64) bool {
	if value == nil {
		v.AddError(token, "missing_value", "missing value")
		return false
	}

	return true
}

// Record is a validated measurement along with the values derived from it at
// reception time.
type Record struct {
	Time            time.Time `json:"time"`
	Sensor          string    `json:"sensor"`
	Temperature     float64   `json:"temperature"`
	Humidity        float64   `json:"humidity"`
	AbsHumidity     float64   `json:"abs_humidity"`
	Pressure        float64   `json:"pressure"`
	RawVoltage      *float64  `json:"raw_voltage,omitempty"`
	Charge          *float64  `json:"charge,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
}

// NewRecord builds a record from a measurement which passed validation.
func NewRecord(m *Measurement, now time.Time) *Record {
	return &Record{
		Time:            now,
		Sensor:          m.Sensor,
		Temperature:     *m.Temperature,
		Humidity:        *m.Humidity,
		AbsHumidity:     AbsoluteHumidity(*m.Temperature, *m.Humidity),
		Pressure:        *m.Pressure,
		RawVoltage:      m.RawVoltage,
		Charge:          m.Charge,
		FirmwareVersion: m.FirmwareVersion,
	}
}
