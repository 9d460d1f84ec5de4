package main

import (
	"fmt"

	"github.com/flying7eleven/weather-station-backend/pkg/mqtt"
	"github.com/flying7eleven/weather-station-backend/pkg/pg"
	"github.com/flying7eleven/weather-station-backend/pkg/service"
	"github.com/flying7eleven/weather-station-backend/pkg/shttp"
	"github.com/flying7eleven/weather-station-backend/pkg/station"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
)

type WeatherStationCfg struct {
	Service service.ServiceCfg  `json:"service"`
	Station station.BackendCfg  `json:"station"`
	MQTT    *mqtt.SubscriberCfg `json:"mqtt,omitempty"`
}

type WeatherStation struct {
	Cfg WeatherStationCfg

	Backend    *station.Backend
	API        *station.API
	Subscriber *mqtt.Subscriber
}

func (cfg *WeatherStationCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckOptionalObject("service", &cfg.Service)
	v.CheckOptionalObject("station", &cfg.Station)
	v.CheckOptionalObject("mqtt", cfg.MQTT)
}

func NewWeatherStation() *WeatherStation {
	serviceCfg := service.NewServiceCfg()

	serviceCfg.AddHTTPServer("main", shttp.ServerCfg{
		Address: "localhost:8000",
	})

	serviceCfg.AddPgClient("main", pg.ClientCfg{
		URI:             "postgres://weather_station@localhost:5432/weather_station",
		ApplicationName: "weather-station",
		SchemaDirectory: "data/pg",
		SchemaNames:     []string{"station"},
	})

	return &WeatherStation{
		Cfg: WeatherStationCfg{
			Service: *serviceCfg,
			Station: station.DefaultBackendCfg(),
		},
	}
}

func (ws *WeatherStation) DefaultImplementationCfg() interface{} {
	return &ws.Cfg
}

func (ws *WeatherStation) ValidateImplementationCfg() error {
	if _, found := ws.Cfg.Service.HTTPServers["main"]; !found {
		return fmt.Errorf("missing http server \"main\"")
	}

	if ws.Cfg.Station.UseDatabase {
		if _, found := ws.Cfg.Service.PgClients["main"]; !found {
			return fmt.Errorf("database storage enabled without " +
				"pg client \"main\"")
		}
	} else {
		// Do not connect to a database which will never be used
		delete(ws.Cfg.Service.PgClients, "main")
	}

	return nil
}

func (ws *WeatherStation) ServiceCfg() (*service.ServiceCfg, error) {
	return &ws.Cfg.Service, nil
}

func (ws *WeatherStation) Init(s *service.Service) error {
	backendCfg := ws.Cfg.Station
	backendCfg.Log = s.Log.Child("station", log.Data{})
	backendCfg.Influx = s.InfluxDispatcher

	if backendCfg.UseDatabase {
		backendCfg.Pg = s.PgClient("main")
	}

	if backendCfg.Influx == nil {
		backendCfg.Log.Info("no influx configuration, measurements will " +
			"not be sent to the time-series database")
	}

	backend, err := station.NewBackend(backendCfg)
	if err != nil {
		return fmt.Errorf("cannot create station backend: %w", err)
	}

	ws.Backend = backend

	ws.API = station.NewAPI(backend)
	ws.API.Register(s.HTTPServer("main"))

	if ws.Cfg.MQTT != nil {
		subscriberCfg := *ws.Cfg.MQTT
		subscriberCfg.Log = s.Log.Child("mqtt", log.Data{})
		subscriberCfg.Handler = func(topic string, payload []byte) error {
			_, err := backend.HandleMeasurement(payload)
			return err
		}

		subscriber, err := mqtt.NewSubscriber(subscriberCfg)
		if err != nil {
			return fmt.Errorf("cannot create mqtt subscriber: %w", err)
		}

		ws.Subscriber = subscriber
	}

	return nil
}

func (ws *WeatherStation) Start(s *service.Service) error {
	if ws.Subscriber != nil {
		ws.Subscriber.Start()
	}

	return nil
}

func (ws *WeatherStation) Stop(s *service.Service) {
	if ws.Subscriber != nil {
		ws.Subscriber.Stop()
	}
}

func (ws *WeatherStation) Terminate(s *service.Service) {
}

func main() {
	service.Run("weather-station",
		"receive weather station measurements and store them",
		NewWeatherStation())
}
