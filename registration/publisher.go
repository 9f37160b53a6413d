package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// StatusMessage is the summary published after every request
type StatusMessage struct {
	ID            string  `json:"id"`
	Success       bool    `json:"success"`
	Score         float64 `json:"score"`
	Trials        int     `json:"trials"`
	FailureReason string  `json:"failureReason,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// Publisher publishes registration results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        *zap.Logger
	last          *StatusMessage
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty prefix falls back to "scanreg".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "scanreg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,     // Results are not periodic, make sure they arrive
		retain:        false, // One topic per request, nothing to retain
		logger:        logger,
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// RequestTopic is the topic requests are read from
func (p *Publisher) RequestTopic() string {
	return p.publishPrefix + "/request"
}

// ResultTopic is the topic the full result of a request is published to
func (p *Publisher) ResultTopic(id string) string {
	return fmt.Sprintf("%s/result/%s", p.publishPrefix, id)
}

// StatusTopic carries the summary of the latest request
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// PublishResult publishes the result to its result topic and a summary to
// the status topic
func (p *Publisher) PublishResult(r *Result) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if r == nil {
		return fmt.Errorf("nil result")
	}

	payload, err := json.Marshal(NewResultMessage(r))
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := p.publish(p.ResultTopic(r.ID), payload, p.retain); err != nil {
		p.logger.Warn("publishing result", zap.String("id", r.ID), zap.Error(err))
		return err
	}

	status := &StatusMessage{
		ID:            r.ID,
		Success:       r.Success,
		Score:         r.Score,
		Trials:        r.Trials,
		FailureReason: r.FailureReason,
		Timestamp:     time.Now().Unix(),
	}
	p.mu.Lock()
	p.last = status
	p.mu.Unlock()

	payload, err = json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	// The status topic is retained so late subscribers see the latest run
	if err := p.publish(p.StatusTopic(), payload, true); err != nil {
		p.logger.Warn("publishing status", zap.String("id", r.ID), zap.Error(err))
		return err
	}

	p.logger.Info("published result",
		zap.String("id", r.ID),
		zap.Bool("success", r.Success),
		zap.Float64("score", r.Score))
	return nil
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastStatus returns the summary of the last published result
func (p *Publisher) LastStatus() (StatusMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return StatusMessage{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether result messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// ResultMessage is a Result together with its transformed cloud, as sent
// over MQTT and HTTP
type ResultMessage struct {
	*Result
	Transformed [][3]float64 `json:"transformed,omitempty"`
}

// NewResultMessage pairs r with its transformed cloud when r succeeded
func NewResultMessage(r *Result) ResultMessage {
	msg := ResultMessage{Result: r}
	if r.Success {
		msg.Transformed = r.Transformed.Array()
	}
	return msg
}
