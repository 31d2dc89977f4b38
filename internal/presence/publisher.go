// Package presence publishes Ariadne's availability and runtime stats
// to an MQTT broker. The broker connection carries a retained will
// message so subscribers see "offline" the moment the process dies.
package presence

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ariadne-chat/ariadne/internal/config"
)

// StatsSource provides runtime data for the stats payload. The
// concrete adapter is wired in main to avoid coupling this package to
// the orchestrator or supervisor.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// AgentState returns the agent process state name.
	AgentState() string
	// PendingRequests returns the number of in-flight agent queries.
	PendingRequests() int
	// Conversations returns the number of tracked conversations.
	Conversations() int
	// ExchangesTotal returns the lifetime count of completed exchanges.
	ExchangesTotal() int
}

const publishInterval = 60 * time.Second

// statsPayload is the JSON published to the stats topic.
type statsPayload struct {
	Uptime          string `json:"uptime"`
	Version         string `json:"version"`
	AgentState      string `json:"agent_state"`
	PendingRequests int    `json:"pending_requests"`
	Conversations   int    `json:"conversations"`
	ExchangesTotal  int    `json:"exchanges_total"`
}

// Publisher manages the MQTT connection and runs a periodic loop that
// pushes availability and stats to the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	stats  StatsSource
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, stats: stats, logger: logger}
}

// Start connects to the MQTT broker and blocks publishing stats until
// ctx is cancelled. On every (re-)connect it publishes an "online"
// availability message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ariadne-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	prefix := p.cfg.TopicPrefix
	if prefix == "" {
		prefix = "ariadne"
	}
	return prefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statsTopic() string {
	return p.baseTopic() + "/stats"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Publisher) publishStats(ctx context.Context) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(statsPayload{
		Uptime:          p.stats.Uptime().Truncate(time.Second).String(),
		Version:         p.stats.Version(),
		AgentState:      p.stats.AgentState(),
		PendingRequests: p.stats.PendingRequests(),
		Conversations:   p.stats.Conversations(),
		ExchangesTotal:  p.stats.ExchangesTotal(),
	})
	if err != nil {
		p.logger.Error("mqtt marshal stats payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt stats published", "topic", p.statsTopic())
}
