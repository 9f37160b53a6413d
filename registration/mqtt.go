package registration

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTService answers registration requests received over MQTT
type MQTTService struct {
	client      mqtt.Client
	registrar   *Registrar
	publisher   *Publisher
	logger      *zap.Logger
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT creates the MQTT service and starts connecting in the
// background. Environment variables override the configuration. If no
// broker is configured MQTT is disabled and this returns nil.
func InitMQTT(config *ServiceConfig, registrar *Registrar, logger *zap.Logger) (*MQTTService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultServiceConfig()
	}

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		logger.Info("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "scanreg"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)

	s := &MQTTService{registrar: registrar, logger: logger}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)

	s.client = mqtt.NewClient(opts)
	s.publisher = NewPublisher(s.client, config.MQTT.PublishPrefix, logger)

	go s.connectWithRetry()

	return s, nil
}

// newMQTTServiceWithClient wires the service to an existing client
func newMQTTServiceWithClient(client mqtt.Client, prefix string, registrar *Registrar, logger *zap.Logger) *MQTTService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTService{
		client:    client,
		registrar: registrar,
		publisher: NewPublisher(client, prefix, logger),
		logger:    logger,
	}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (s *MQTTService) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		s.logger.Info("connecting to MQTT broker")

		token := s.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				s.logger.Info("connected to MQTT broker")
				s.setConnected(true)
				return
			}
			s.logger.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			s.logger.Warn("MQTT connection timeout")
		}

		s.logger.Info("retrying MQTT connection", zap.Duration("delay", retryDelay))
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the request topic
func (s *MQTTService) onConnect(client mqtt.Client) {
	s.setConnected(true)

	topic := s.publisher.RequestTopic()
	token := client.Subscribe(topic, 1, s.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		s.logger.Error("subscribing", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	s.logger.Info("subscribed", zap.String("topic", topic))
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (s *MQTTService) onConnectionLost(client mqtt.Client, err error) {
	s.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	s.setConnected(false)
}

func (s *MQTTService) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("MQTT reconnecting")
}

// handleRequest decodes a request, runs it and publishes the outcome
func (s *MQTTService) handleRequest(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	s.logger.Debug("received request", zap.String("topic", msg.Topic()), zap.Int("bytes", len(payload)))

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("decoding request", zap.Error(err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	result, err := s.registrar.Handle(context.Background(), req)
	if result == nil {
		// Rejected before the engine ran
		result = &Result{ID: req.ID, Matrix: Identity(), FailureReason: string(ReasonOf(err)), StartedAt: time.Now()}
	}
	if err != nil {
		s.logger.Info("registration failed", zap.String("id", req.ID), zap.Error(err))
	}

	if err := s.publisher.PublishResult(result); err != nil {
		s.logger.Warn("publishing result", zap.String("id", req.ID), zap.Error(err))
	}
}

// Publisher returns the service's result publisher
func (s *MQTTService) Publisher() *Publisher {
	return s.publisher
}

// IsConnected returns true if the MQTT client is connected
func (s *MQTTService) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

func (s *MQTTService) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (s *MQTTService) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.logger.Info("disconnecting from MQTT broker")
		s.client.Disconnect(250) // 250ms quiesce time
		s.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client
func (s *MQTTService) GetClient() mqtt.Client {
	return s.client
}
