package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/flying7eleven/weather-station-backend/pkg/shttp"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/galdor/go-uuid"
)

const (
	DefaultTopic = "weather-station/measurements"

	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 10 * time.Second
	keepAlive         = 30 * time.Second
	maxReconnectDelay = 2 * time.Minute
	disconnectQuiesce = 250 // milliseconds
	clientIdPrefix    = "weather-station-"
)

// MessageHandler processes the payload of a message received on the
// subscribed topic. Errors are logged by the subscriber.
type MessageHandler func(topic string, payload []byte) error

type SubscriberCfg struct {
	Log     *log.Logger    `json:"-"`
	Handler MessageHandler `json:"-"`

	BrokerURI string `json:"broker_uri"`
	ClientId  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`

	Topic string `json:"topic,omitempty"`
	QoS   int    `json:"qos,omitempty"`

	CACertificates []string `json:"ca_certificates,omitempty"`
}

type Subscriber struct {
	Cfg SubscriberCfg
	Log *log.Logger

	client paho.Client

	stopOnce sync.Once
}

func (cfg *SubscriberCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckStringURI("broker_uri", cfg.BrokerURI)
	v.CheckIntMinMax("qos", cfg.QoS, 0, 2)

	v.WithChild("ca_certificates", func() {
		for i, path := range cfg.CACertificates {
			v.CheckStringNotEmpty(i, path)
		}
	})
}

func NewSubscriber(cfg SubscriberCfg) (*Subscriber, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("mqtt")
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("missing message handler")
	}

	if cfg.BrokerURI == "" {
		return nil, fmt.Errorf("missing or empty broker uri")
	}

	if cfg.ClientId == "" {
		cfg.ClientId = clientIdPrefix + uuid.MustGenerate(uuid.V7).String()
	}

	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	s := Subscriber{
		Cfg: cfg,
		Log: cfg.Log,
	}

	opts, err := s.clientOptions()
	if err != nil {
		return nil, err
	}

	s.client = paho.NewClient(opts)

	return &s, nil
}

func (s *Subscriber) clientOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()

	opts.AddBroker(s.Cfg.BrokerURI)
	opts.SetClientID(s.Cfg.ClientId)

	if s.Cfg.Username != "" {
		opts.SetUsername(s.Cfg.Username)
		opts.SetPassword(s.Cfg.Password)
	}

	if len(s.Cfg.CACertificates) > 0 {
		pool, err := shttp.LoadCertificates(s.Cfg.CACertificates)
		if err != nil {
			return nil, err
		}

		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		})
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetMaxReconnectInterval(maxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		s.Log.Info("reconnecting to %s", s.Cfg.BrokerURI)
	})

	return opts, nil
}

// Start initiates the connection to the broker and returns immediately;
// the subscriber keeps trying to connect in the background until Stop is
// called.
func (s *Subscriber) Start() {
	s.Log.Info("connecting to %s as %q", s.Cfg.BrokerURI, s.Cfg.ClientId)
	s.client.Connect()
}

func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		s.client.Disconnect(disconnectQuiesce)
	})
}

func (s *Subscriber) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *Subscriber) onConnect(client paho.Client) {
	s.Log.Info("connected to %s, subscribing to %q", s.Cfg.BrokerURI,
		s.Cfg.Topic)

	// Subscriptions do not survive a clean session, so they are renewed on
	// every connection.
	token := client.Subscribe(s.Cfg.Topic, byte(s.Cfg.QoS), s.handleMessage)

	go func() {
		if !token.WaitTimeout(subscribeTimeout) {
			s.Log.Error("timeout while subscribing to %q", s.Cfg.Topic)
			return
		}

		if err := token.Error(); err != nil {
			s.Log.Error("cannot subscribe to %q: %v", s.Cfg.Topic, err)
		}
	}()
}

func (s *Subscriber) onConnectionLost(client paho.Client, err error) {
	s.Log.Error("connection to %s lost: %v", s.Cfg.BrokerURI, err)
}

func (s *Subscriber) handleMessage(client paho.Client, msg paho.Message) {
	if err := s.Cfg.Handler(msg.Topic(), msg.Payload()); err != nil {
		s.Log.ErrorData(log.Data{"topic": msg.Topic()},
			"cannot process message: %v", err)
	}
}
