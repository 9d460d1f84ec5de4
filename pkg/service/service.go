package service

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/pg"
	"github.com/flying7eleven/weather-station-backend/pkg/shttp"
	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
)

const InfluxProbeInterval = 10 * time.Second

type ServiceImplementation interface {
	DefaultImplementationCfg() interface{}
	ValidateImplementationCfg() error
	ServiceCfg() (*ServiceCfg, error)
	Init(*Service) error
	Start(*Service) error
	Stop(*Service)
	Terminate(*Service)
}

type ServiceCfg struct {
	name string

	Logger *log.LoggerCfg `json:"logger,omitempty"`

	HTTPClients map[string]shttp.ClientCfg `json:"http_clients,omitempty"`
	HTTPServers map[string]shttp.ServerCfg `json:"http_servers,omitempty"`

	Influx *influx.ClientCfg `json:"influx,omitempty"`

	PgClients map[string]pg.ClientCfg `json:"pg_clients,omitempty"`
}

func NewServiceCfg() *ServiceCfg {
	cfg := ServiceCfg{
		HTTPClients: make(map[string]shttp.ClientCfg),
		HTTPServers: make(map[string]shttp.ServerCfg),

		PgClients: make(map[string]pg.ClientCfg),
	}

	return &cfg
}

func (cfg *ServiceCfg) ValidateJSON(v *ejson.Validator) {
	v.WithChild("http_clients", func() {
		for name, clientCfg := range cfg.HTTPClients {
			v.CheckOptionalObject(name, &clientCfg)
		}
	})

	v.WithChild("http_servers", func() {
		for name, serverCfg := range cfg.HTTPServers {
			v.CheckOptionalObject(name, &serverCfg)
		}
	})

	v.CheckOptionalObject("influx", cfg.Influx)

	v.WithChild("pg_clients", func() {
		for name, clientCfg := range cfg.PgClients {
			v.CheckOptionalObject(name, &clientCfg)
		}
	})
}

func (cfg *ServiceCfg) AddHTTPClient(name string, clientCfg shttp.ClientCfg) {
	if cfg.HTTPClients == nil {
		cfg.HTTPClients = make(map[string]shttp.ClientCfg)
	}

	if _, found := cfg.HTTPClients[name]; found {
		utils.Panicf("duplicate http client %q", name)
	}

	cfg.HTTPClients[name] = clientCfg
}

func (cfg *ServiceCfg) AddHTTPServer(name string, serverCfg shttp.ServerCfg) {
	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]shttp.ServerCfg)
	}

	if _, found := cfg.HTTPServers[name]; found {
		utils.Panicf("duplicate http server %q", name)
	}

	cfg.HTTPServers[name] = serverCfg
}

func (cfg *ServiceCfg) AddPgClient(name string, clientCfg pg.ClientCfg) {
	if cfg.PgClients == nil {
		cfg.PgClients = make(map[string]pg.ClientCfg)
	}

	if _, found := cfg.PgClients[name]; found {
		utils.Panicf("duplicate pg client %q", name)
	}

	cfg.PgClients[name] = clientCfg
}

type Service struct {
	Cfg *ServiceCfg
	Log *log.Logger

	Name           string
	Implementation ServiceImplementation

	Hostname string

	HTTPClients map[string]*shttp.Client
	HTTPServers map[string]*shttp.Server

	Influx           *influx.Client
	InfluxDispatcher *influx.Dispatcher

	PgClients map[string]*pg.Client

	workers []*Worker

	stopChan        chan struct{} // used to interrupt wait()
	errorChan       chan error    // used to signal a fatal error
	terminationChan chan struct{} // used to wait for termination in Stop()
}

func newService(cfg *ServiceCfg, implementation ServiceImplementation) *Service {
	s := Service{
		Cfg: cfg,

		Name:           cfg.name,
		Implementation: implementation,

		HTTPClients: make(map[string]*shttp.Client),
		HTTPServers: make(map[string]*shttp.Server),

		PgClients: make(map[string]*pg.Client),

		stopChan:        make(chan struct{}, 1),
		errorChan:       make(chan error, 1),
		terminationChan: make(chan struct{}),
	}

	return &s
}

func (s *Service) init() error {
	s.Log = log.DefaultLogger(s.Name)

	initFuncs := []func() error{
		s.initHostname,
		s.initLogger,
		s.initInflux,
		s.initPgClients,
		s.initHTTPServers,
		s.initHTTPClients,
	}

	for _, initFunc := range initFuncs {
		if err := initFunc(); err != nil {
			return err
		}
	}

	if err := s.Implementation.Init(s); err != nil {
		return err
	}

	return nil
}

func (s *Service) initHostname() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("cannot obtain hostname: %w", err)
	}

	s.Hostname = hostname

	return nil
}

func (s *Service) initLogger() error {
	if s.Cfg.Logger == nil {
		return nil
	}

	logger, err := log.NewLogger(s.Name, *s.Cfg.Logger)
	if err != nil {
		return fmt.Errorf("invalid logger configuration: %w", err)
	}

	s.Log = logger

	return nil
}

func (s *Service) initInflux() error {
	if s.Cfg.Influx == nil {
		return nil
	}

	httpClientCfg := shttp.ClientCfg{
		Log:         s.Log.Child("influx-http-client", log.Data{}),
		LogRequests: s.Cfg.Influx.LogRequests,
	}

	httpClient, err := shttp.NewClient(httpClientCfg)
	if err != nil {
		return fmt.Errorf("cannot create influx http client: %w", err)
	}

	cfg := *s.Cfg.Influx

	cfg.Log = s.Log.Child("influx", log.Data{})
	cfg.HTTPClient = httpClient.Client

	client, err := influx.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("cannot create influx client: %w", err)
	}

	s.Influx = client

	var dispatcherCfg influx.DispatcherCfg
	if cfg.Dispatcher != nil {
		dispatcherCfg = *cfg.Dispatcher
	}

	dispatcherCfg.Log = cfg.Log.Child("dispatcher", log.Data{})
	dispatcherCfg.Client = client

	dispatcher, err := influx.NewDispatcher(dispatcherCfg)
	if err != nil {
		return fmt.Errorf("cannot create influx dispatcher: %w", err)
	}

	s.InfluxDispatcher = dispatcher

	if cfg.Probe {
		probeCfg := WorkerCfg{
			Log: cfg.Log.Child("go-probe", log.Data{}),
			WorkerFunc: func(w *Worker) (time.Duration, error) {
				dispatcher.EnqueuePoints(influx.GoProbePoints(time.Now()))
				return InfluxProbeInterval, nil
			},
		}

		if err := s.AddWorker(probeCfg); err != nil {
			return fmt.Errorf("cannot create go probe worker: %w", err)
		}
	}

	return nil
}

func (s *Service) initHTTPServers() error {
	for name, serverCfg := range s.Cfg.HTTPServers {
		serverCfg.Log = s.Log.Child("http-server", log.Data{"server": name})
		serverCfg.ErrorChan = s.errorChan
		serverCfg.Influx = s.InfluxDispatcher
		serverCfg.Name = name

		server, err := shttp.NewServer(serverCfg)
		if err != nil {
			return fmt.Errorf("cannot create http server %q: %w", name, err)
		}

		s.HTTPServers[name] = server
	}

	return nil
}

func (s *Service) initHTTPClients() error {
	for name, clientCfg := range s.Cfg.HTTPClients {
		clientCfg.Log = s.Log.Child("http-client", log.Data{"client": name})

		client, err := shttp.NewClient(clientCfg)
		if err != nil {
			return fmt.Errorf("cannot create http client %q: %w", name, err)
		}

		s.HTTPClients[name] = client
	}

	return nil
}

func (s *Service) initPgClients() error {
	for name, clientCfg := range s.Cfg.PgClients {
		clientCfg.Log = s.Log.Child("pg", log.Data{"client": name})
		clientCfg.Influx = s.InfluxDispatcher
		clientCfg.Name = name

		client, err := pg.NewClient(clientCfg)
		if err != nil {
			return fmt.Errorf("cannot create pg client %q: %w", name, err)
		}

		s.PgClients[name] = client
	}

	return nil
}

// AddWorker registers a periodic worker; workers are started with the service
// and stopped before the HTTP servers.
func (s *Service) AddWorker(cfg WorkerCfg) error {
	if cfg.Log == nil {
		cfg.Log = s.Log.Child("worker", log.Data{})
	}

	w, err := NewWorker(cfg)
	if err != nil {
		return err
	}

	s.workers = append(s.workers, w)

	return nil
}

func (s *Service) start() error {
	if s.InfluxDispatcher != nil {
		s.InfluxDispatcher.Start()
	}

	if err := s.startHTTPServers(); err != nil {
		return err
	}

	for _, w := range s.workers {
		if w.Cfg.Disabled {
			continue
		}

		if err := w.Start(); err != nil {
			return fmt.Errorf("cannot start worker: %w", err)
		}
	}

	if err := s.Implementation.Start(s); err != nil {
		return err
	}

	s.Log.Info("started")

	return nil
}

func (s *Service) startHTTPServers() error {
	for name, server := range s.HTTPServers {
		if err := server.Start(); err != nil {
			return fmt.Errorf("cannot start http server %q: %w", name, err)
		}
	}

	return nil
}

func (s *Service) wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case signo := <-sigChan:
		// Cosmetic fix to avoid having "^C" displayed before the next log
		// line in shells which print interrupting characters.
		fmt.Fprintln(os.Stderr)
		s.Log.Info("received signal %d (%v)", signo, signo)

	case <-s.stopChan:

	case err := <-s.errorChan:
		s.Log.Error("service error: %v", err)
		return err
	}

	return nil
}

func (s *Service) stop() {
	s.Log.Info("stopping")

	s.Implementation.Stop(s)

	for _, w := range s.workers {
		if !w.Cfg.Disabled {
			w.Stop()
		}
	}

	s.stopHTTPClients()
	s.stopHTTPServers()
	s.stopPgClients()

	// Last, so that points produced during shutdown are still delivered
	if s.InfluxDispatcher != nil {
		s.InfluxDispatcher.Stop()
	}

	if s.Influx != nil {
		s.Influx.Close()
	}

	s.Log.Info("stopped")
}

func (s *Service) stopHTTPServers() {
	for _, server := range s.HTTPServers {
		server.Stop()
	}
}

func (s *Service) stopPgClients() {
	for _, client := range s.PgClients {
		client.Close()
	}
}

func (s *Service) stopHTTPClients() {
	for _, client := range s.HTTPClients {
		client.CloseConnections()
	}
}

func (s *Service) terminate() {
	s.Implementation.Terminate(s)

	close(s.terminationChan)
}

// DefaultCfgPaths returns the paths searched for a configuration file when
// none is provided on the command line, in order.
func DefaultCfgPaths(name string) []string {
	return []string{
		path.Join("/etc", name, name+".yaml"),
		name + ".yaml",
	}
}

func findCfgFile(name string) (string, error) {
	for _, filePath := range DefaultCfgPaths(name) {
		_, err := os.Stat(filePath)
		if err == nil {
			return filePath, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("cannot stat %q: %w", filePath, err)
		}
	}

	return "", nil
}

func Run(name, description string, implementation ServiceImplementation) {
	// Program
	p := program.NewProgram(name, description)

	p.AddOption("c", "cfg-file", "path", "",
		"the path of the configuration file")
	p.AddFlag("", "validate-cfg",
		"validate the configuration and exit")
	p.AddFlag("", "print-cfg",
		"print the configuration in yaml and exit")

	p.ParseCommandLine()

	utils.UseUTCTimezone()

	// Configuration
	implementationCfg := implementation.DefaultImplementationCfg()

	var cfgPath string
	if p.IsOptionSet("cfg-file") {
		cfgPath = p.OptionValue("cfg-file")
	} else {
		filePath, err := findCfgFile(name)
		if err != nil {
			p.Fatal("%v", err)
		}

		cfgPath = filePath
	}

	if cfgPath != "" {
		p.Info("loading configuration from %q", cfgPath)

		if err := LoadCfg(cfgPath, implementationCfg); err != nil {
			p.Fatal("cannot load configuration: %v", err)
		}
	} else {
		p.Info("no configuration file found, using default configuration")
	}

	if err := implementation.ValidateImplementationCfg(); err != nil {
		p.Fatal("invalid configuration: %v", err)
	}

	serviceCfg, err := implementation.ServiceCfg()
	if err != nil {
		p.Fatal("invalid configuration: %v", err)
	}

	serviceCfg.name = name

	if p.IsOptionSet("validate-cfg") {
		p.Info("configuration validated successfully")
		return
	}

	if p.IsOptionSet("print-cfg") {
		data, err := FormatCfg(implementationCfg)
		if err != nil {
			p.Fatal("cannot format configuration: %v", err)
		}

		os.Stdout.Write(data)
		return
	}

	// Service
	s := newService(serviceCfg, implementation)

	if err := s.init(); err != nil {
		p.Fatal("cannot initialize service: %v", err)
	}

	if err := s.start(); err != nil {
		p.Fatal("cannot start service: %v", err)
	}

	waitErr := s.wait()

	s.stop()
	s.terminate()

	if waitErr != nil {
		os.Exit(1)
	}
}

// RunTest runs a service in the current goroutine with the configuration file
// at cfgPath (if not empty) and closes readyChan once the service has
// started. Errors are reported on errChan.
func RunTest(name string, implementation ServiceImplementation, cfgPath string, readyChan chan<- struct{}, errChan chan<- error) {
	implementationCfg := implementation.DefaultImplementationCfg()

	if cfgPath != "" {
		if err := LoadCfg(cfgPath, implementationCfg); err != nil {
			errChan <- fmt.Errorf("cannot load configuration: %w", err)
			return
		}
	}

	if err := implementation.ValidateImplementationCfg(); err != nil {
		errChan <- fmt.Errorf("invalid configuration: %w", err)
		return
	}

	serviceCfg, err := implementation.ServiceCfg()
	if err != nil {
		errChan <- fmt.Errorf("invalid configuration: %w", err)
		return
	}

	serviceCfg.name = name

	s := newService(serviceCfg, implementation)

	if err := s.init(); err != nil {
		errChan <- fmt.Errorf("cannot initialize service: %w", err)
		return
	}

	if err := s.start(); err != nil {
		errChan <- fmt.Errorf("cannot start service: %w", err)
		return
	}

	close(readyChan)

	waitErr := s.wait()

	s.stop()
	s.terminate()

	if waitErr != nil {
		errChan <- waitErr
	}
}

func (s *Service) Stop() {
	s.stopChan <- struct{}{}
	<-s.terminationChan
}

func (s *Service) HTTPClient(name string) *shttp.Client {
	client, found := s.HTTPClients[name]
	if !found {
		utils.Panicf("unknown http client %q", name)
	}

	return client
}

func (s *Service) HTTPServer(name string) *shttp.Server {
	server, found := s.HTTPServers[name]
	if !found {
		utils.Panicf("unknown http server %q", name)
	}

	return server
}

func (s *Service) PgClient(name string) *pg.Client {
	client, found := s.PgClients[name]
	if !found {
		utils.Panicf("unknown pg client %q", name)
	}

	return client
}
