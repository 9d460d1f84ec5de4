package station

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/pg"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
)

const (
	DefaultMeasurementName = "environment"
	DefaultTableName       = "measurements"

	// The firmware version tag used for sensors which do not report one.
	UnknownFirmwareVersion = "unknown"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

var (
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrUnknownSensor      = errors.New("unknown sensor")
)

type BackendCfg struct {
	Log    *log.Logger        `json:"-"`
	Pg     *pg.Client         `json:"-"`
	Influx *influx.Dispatcher `json:"-"`

	AllowedSensors []string `json:"allowed_sensors"`
	UseDatabase    bool     `json:"use_database"`
	Measurement    string   `json:"measurement,omitempty"`
	Table          string   `json:"table,omitempty"`
}

func DefaultBackendCfg() BackendCfg {
	sensors := make([]string, len(DefaultAllowedSensors))
	copy(sensors, DefaultAllowedSensors)

	return BackendCfg{
		AllowedSensors: sensors,
		UseDatabase:    true,
		Measurement:    DefaultMeasurementName,
		Table:          DefaultTableName,
	}
}

func (cfg *BackendCfg) ValidateJSON(v *ejson.Validator) {
	v.WithChild("allowed_sensors", func() {
		for i, sensor := range cfg.AllowedSensors {
			v.CheckStringNotEmpty(i, sensor)
		}
	})

	if cfg.Table != "" {
		v.CheckStringMatch("table", cfg.Table, tableNameRe)
	}
}

type Backend struct {
	Cfg BackendCfg
	Log *log.Logger

	sensors SensorSet

	latestMutex sync.Mutex
	latest      map[string]*Record

	now func() time.Time
}

func NewBackend(cfg BackendCfg) (*Backend, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("station")
	}

	if cfg.UseDatabase && cfg.Pg == nil {
		return nil, fmt.Errorf("missing pg client")
	}

	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurementName
	}

	if cfg.Table == "" {
		cfg.Table = DefaultTableName
	}

	b := Backend{
		Cfg: cfg,
		Log: cfg.Log,

		sensors: NewSensorSet(cfg.AllowedSensors...),

		latest: make(map[string]*Record),

		now: func() time.Time { return time.Now().UTC() },
	}

	if len(b.sensors) == 0 {
		b.Log.Info("no sensor allowed, all measurements will be rejected")
	}

	return &b, nil
}

func (b *Backend) SensorAllowed(sensor string) bool {
	return b.sensors.Contains(sensor)
}

// HandleMeasurement decodes, validates and stores a JSON measurement. Errors
// wrap ErrInvalidMeasurement when the payload cannot be decoded or is invalid,
// and ErrUnknownSensor when the sensor is not allowed.
func (b *Backend) HandleMeasurement(data []byte) (*Record, error) {
	var m Measurement
	if err := ejson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeasurement, err)
	}

	if !b.SensorAllowed(m.Sensor) {
		b.Log.Error("rejecting measurement from sensor %q which is not "+
			"allowed to post data", m.Sensor)
		return nil, fmt.Errorf("%w %q", ErrUnknownSensor, m.Sensor)
	}

	return b.StoreMeasurement(&m)
}

// StoreMeasurement inserts the measurement in the database if it is enabled,
// then enqueues the corresponding time-series point without waiting for it
// to be written.
func (b *Backend) StoreMeasurement(m *Measurement) (*Record, error) {
	r := NewRecord(m, b.now())

	b.Log.InfoData(log.Data{"sensor": r.Sensor},
		"sensor %s (%s): temperature %.2f °C, relative humidity %.2f %%, "+
			"absolute humidity %.2f g/m³, pressure %.2f hPa",
		r.Sensor, firmwareVersionString(r.FirmwareVersion), r.Temperature,
		r.Humidity, r.AbsHumidity, r.Pressure)

	if b.Cfg.UseDatabase {
		err := b.Cfg.Pg.WithConn(func(conn pg.Conn) error {
			return InsertRecord(conn, b.Cfg.Table, r)
		})
		if err != nil {
			return nil, fmt.Errorf("cannot store measurement: %w", err)
		}
	}

	if b.Cfg.Influx != nil {
		b.Cfg.Influx.EnqueuePoint(r.Point(b.Cfg.Measurement))
	}

	b.latestMutex.Lock()
	b.latest[r.Sensor] = r
	b.latestMutex.Unlock()

	return r, nil
}

// LatestRecords returns the last record stored for each sensor since the
// backend was created, ordered by sensor.
func (b *Backend) LatestRecords() []*Record {
	b.latestMutex.Lock()
	defer b.latestMutex.Unlock()

	sensors := make(SensorSet, len(b.latest))
	for sensor := range b.latest {
		sensors[sensor] = struct{}{}
	}

	records := make([]*Record, 0, len(b.latest))
	for _, sensor := range sensors.Sorted() {
		records = append(records, b.latest[sensor])
	}

	return records
}

func (r *Record) Point(measurement string) *influx.Point {
	firmwareVersion := r.FirmwareVersion
	if firmwareVersion == "" {
		firmwareVersion = UnknownFirmwareVersion
	}

	tags := influx.Tags{
		"sensor":           r.Sensor,
		"firmware_version": firmwareVersion,
	}

	fields := influx.Fields{
		"temperature":  influx.Float(r.Temperature),
		"humidity":     influx.Float(r.Humidity),
		"abs_humidity": influx.Float(r.AbsHumidity),
		"pressure":     influx.Float(r.Pressure),
	}

	if r.RawVoltage != nil {
		fields["raw_voltage"] = influx.Float(*r.RawVoltage)
	}

	if r.Charge != nil {
		fields["charge"] = influx.Float(*r.Charge)
	}

	return influx.NewPointWithTimestamp(measurement, tags, fields, r.Time)
}

// InsertRecord inserts a record in a table with the columns of the station
// schema; the table name can be qualified with a schema name.
func InsertRecord(conn pg.Conn, table string, r *Record) error {
	query := `
INSERT INTO ` + pg.QuoteIdentifier(table) + `
    (time, sensor, temperature, humidity, abs_humidity, pressure,
     raw_voltage, charge, firmware_version)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''));
`
	return pg.Exec(conn, query, r.Time, r.Sensor, r.Temperature, r.Humidity,
		r.AbsHumidity, r.Pressure, r.RawVoltage, r.Charge, r.FirmwareVersion)
}

func firmwareVersionString(version string) string {
	if version == "" {
		return "unknown firmware"
	}

	return version
}
