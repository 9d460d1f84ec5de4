package station

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/pg"
	"github.com/flying7eleven/weather-station-backend/pkg/test"
	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-ejson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2019, 6, 1, 12, 30, 0, 0, time.UTC)

const testMeasurementData = `{"temperature":27.05,"humidity":37.95,"pressure":1011.72,"raw_voltage":713.00,"charge":51.13,"sensor":"DEADBEEF","firmware_version":"0.0.1-dev"}`

func newTestDispatcher(t *testing.T) (*influx.Dispatcher, <-chan string) {
	bodies := make(chan string, 100)

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			data, _ := io.ReadAll(req.Body)
			bodies <- string(data)
			w.WriteHeader(204)
		}))
	t.Cleanup(server.Close)

	host, portString, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portString)
	require.NoError(t, err)

	client, err := influx.NewClient(influx.ClientCfg{
		HTTPClient: server.Client(),
		Host:       host,
		Port:       port,
		Database:   "weather",
	})
	require.NoError(t, err)

	dispatcher, err := influx.NewDispatcher(influx.DispatcherCfg{
		Client:    client,
		NbWorkers: 1,
	})
	require.NoError(t, err)

	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	return dispatcher, bodies
}

func newTestBackend(t *testing.T, dispatcher *influx.Dispatcher) *Backend {
	cfg := DefaultBackendCfg()
	cfg.UseDatabase = false
	cfg.Influx = dispatcher

	backend, err := NewBackend(cfg)
	require.NoError(t, err)

	backend.now = func() time.Time { return testTime }

	return backend
}

func receiveBody(t *testing.T, bodies <-chan string) string {
	select {
	case body := <-bodies:
		return body
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no point received")
		return ""
	}
}

func TestBackendHandleMeasurement(t *testing.T) {
	assert := assert.New(t)

	dispatcher, bodies := newTestDispatcher(t)
	backend := newTestBackend(t, dispatcher)

	r, err := backend.HandleMeasurement([]byte(testMeasurementData))
	require.NoError(t, err)

	absHumidity := AbsoluteHumidity(27.05, 37.95)

	assert.Equal(testTime, r.Time)
	assert.Equal("DEADBEEF", r.Sensor)
	assert.Equal(27.05, r.Temperature)
	assert.Equal(37.95, r.Humidity)
	assert.Equal(1011.72, r.Pressure)
	assert.Equal(absHumidity, r.AbsHumidity)
	assert.InDelta(9.794156533347303, r.AbsHumidity, 1e-9)
	if assert.NotNil(r.RawVoltage) {
		assert.Equal(713.0, *r.RawVoltage)
	}
	if assert.NotNil(r.Charge) {
		assert.Equal(51.13, *r.Charge)
	}
	assert.Equal("0.0.1-dev", r.FirmwareVersion)

	expected := "environment,firmware_version=0.0.1-dev,sensor=DEADBEEF" +
		" abs_humidity=" + strconv.FormatFloat(absHumidity, 'f', -1, 64) +
		",charge=51.13,humidity=37.95,pressure=1011.72,raw_voltage=713" +
		",temperature=27.05" +
		" " + strconv.FormatInt(testTime.UnixNano(), 10) + "\n"

	assert.Equal(expected, receiveBody(t, bodies))
}

func TestBackendOptionalFields(t *testing.T) {
	dispatcher, bodies := newTestDispatcher(t)
	backend := newTestBackend(t, dispatcher)

	data := `{"sensor":"BADDCAFE","temperature":-3.5,"humidity":80,"pressure":990}`

	_, err := backend.HandleMeasurement([]byte(data))
	require.NoError(t, err)

	expected := "environment,firmware_version=" + UnknownFirmwareVersion +
		",sensor=BADDCAFE" +
		" abs_humidity=" +
		strconv.FormatFloat(AbsoluteHumidity(-3.5, 80), 'f', -1, 64) +
		",humidity=80,pressure=990,temperature=-3.5" +
		" " + strconv.FormatInt(testTime.UnixNano(), 10) + "\n"

	assert.Equal(t, expected, receiveBody(t, bodies))
}

func TestBackendRejectedMeasurements(t *testing.T) {
	assert := assert.New(t)

	dispatcher, bodies := newTestDispatcher(t)
	backend := newTestBackend(t, dispatcher)

	invalidData := []string{
		``,
		`not json`,
		`[]`,
		`{"sensor":"DEADBEEF","humidity":37.95,"pressure":1011.72}`,
		`{"sensor":"DEADBEEF","temperature":27.05,"pressure":1011.72}`,
		`{"sensor":"DEADBEEF","temperature":27.05,"humidity":37.95}`,
		`{"sensor":"DEADBEEF","temperature":"hot","humidity":37.95,"pressure":1011.72}`,
		`{"sensor":"DEADBEEF","temperature":27.05,"humidity":120,"pressure":1011.72}`,
		`{"sensor":"","temperature":27.05,"humidity":37.95,"pressure":1011.72}`,
		`{"sensor":"DEADBEEF\\","temperature":27.05,"humidity":37.95,"pressure":1011.72}`,
		`{"sensor":"DEADBEEF","temperature":27.05,"humidity":37.95,"pressure":1011.72,"firmware_version":"C:\\"}`,
	}

	for _, data := range invalidData {
		_, err := backend.HandleMeasurement([]byte(data))
		assert.ErrorIs(err, ErrInvalidMeasurement, "data: %s", data)
	}

	unknownSensor := test.RandomSensorId()
	data := `{"sensor":"` + unknownSensor + `","temperature":27.05,` +
		`"humidity":37.95,"pressure":1011.72}`

	_, err := backend.HandleMeasurement([]byte(data))
	assert.ErrorIs(err, ErrUnknownSensor)
	assert.ErrorContains(err, unknownSensor)

	assert.Empty(backend.LatestRecords())

	select {
	case body := <-bodies:
		assert.Fail("unexpected point", "body: %s", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBackendLatestRecords(t *testing.T) {
	assert := assert.New(t)

	backend := newTestBackend(t, nil)

	measurement := func(sensor string, temperature float64) *Measurement {
		return &Measurement{
			Sensor:      sensor,
			Temperature: &temperature,
			Humidity:    utils.Ref(50.0),
			Pressure:    utils.Ref(1000.0),
		}
	}

	for _, m := range []*Measurement{
		measurement("DEADBEEF", 20.0),
		measurement("BADDCAFE", 10.0),
		measurement("DEADBEEF", 21.0),
	} {
		_, err := backend.StoreMeasurement(m)
		require.NoError(t, err)
	}

	records := backend.LatestRecords()
	require.Len(t, records, 2)

	assert.Equal("BADDCAFE", records[0].Sensor)
	assert.Equal(10.0, records[0].Temperature)
	assert.Equal("DEADBEEF", records[1].Sensor)
	assert.Equal(21.0, records[1].Temperature)
}

func TestNewBackendWithoutDatabase(t *testing.T) {
	cfg := DefaultBackendCfg()

	_, err := NewBackend(cfg)
	assert.Error(t, err)
}

func TestBackendCfgTable(t *testing.T) {
	assert := assert.New(t)

	decode := func(data string) (BackendCfg, error) {
		cfg := DefaultBackendCfg()
		err := ejson.Unmarshal([]byte(data), &cfg)
		return cfg, err
	}

	cfg, err := decode(`{"table": "station.measurements"}`)
	if assert.NoError(err) {
		assert.Equal("station.measurements", cfg.Table)
	}

	_, err = decode(`{"table": "measurements; DROP TABLE measurements"}`)
	assert.Error(err)

	_, err = decode(`{"table": "Measurements"}`)
	assert.Error(err)

	cfg = DefaultBackendCfg()
	cfg.UseDatabase = false
	cfg.Table = ""

	backend, err := NewBackend(cfg)
	require.NoError(t, err)
	assert.Equal(DefaultTableName, backend.Cfg.Table)
}

func TestBackendDatabase(t *testing.T) {
	uri := os.Getenv("WEATHER_STATION_TEST_PG_URI")
	if uri == "" {
		t.Skip("WEATHER_STATION_TEST_PG_URI not set")
	}

	pgClient, err := pg.NewClient(pg.ClientCfg{
		URI:             uri,
		SchemaDirectory: "../../data/pg",
		SchemaNames:     []string{"station"},
	})
	require.NoError(t, err)
	t.Cleanup(pgClient.Close)

	cfg := DefaultBackendCfg()
	cfg.Pg = pgClient

	backend, err := NewBackend(cfg)
	require.NoError(t, err)

	sensor := test.RandomSensorId()
	backend.sensors.Add(sensor)

	data := `{"sensor":"` + sensor + `","temperature":18.5,` +
		`"humidity":60,"pressure":1002.5}`

	_, err = backend.HandleMeasurement([]byte(data))
	require.NoError(t, err)

	var count int
	err = pgClient.WithConn(func(conn pg.Conn) error {
		query := `SELECT COUNT(*) FROM measurements WHERE sensor = $1`
		return pg.QueryRow(conn, query, sensor).Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
