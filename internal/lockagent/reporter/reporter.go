package reporter

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/lockagent/pkg/mqtt/topic"
)

// OnlinePayload is published retained on the online topic. The broker
// publishes the offline variant as the will message.
type OnlinePayload struct {
	DeviceID string `json:"deviceID"`
	Online   bool   `json:"online"`
	Reason   string `json:"reason,omitempty"`
}

// StatusPayload is published retained on the status topic.
type StatusPayload struct {
	DeviceID string    `json:"deviceID"`
	At       time.Time `json:"at"`
	Status   any       `json:"status"`
}

// Config holds the dependencies of a Reporter.
type Config struct {
	Client   mqtt.Client
	Topics   *mqtttopic.Builder
	DeviceID string

	// Status returns the document published on every report.
	Status func() any

	// Refresher receives refresh requests from the command topic. Nil
	// disables the subscription.
	Refresher core.Refresher

	HeartbeatInterval time.Duration
	Clock             clock.WithTicker
}

// Command is the payload accepted on the command topic.
type Command struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ActionRefresh asks the supervisor to re-resolve the control module.
const ActionRefresh = "refresh"

// Reporter mirrors the device status to an MQTT broker.
type Reporter struct {
	cfg    Config
	events chan core.StatusEvent
}

func New(cfg Config) *Reporter {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Reporter{cfg: cfg, events: make(chan core.StatusEvent, 32)}
}

// OnStatus queues a state change for publication. Events are dropped when
// the queue is full.
func (r *Reporter) OnStatus(e core.StatusEvent) {
	select {
	case r.events <- e:
	default:
		log.Debug("Status event queue full, dropping event", "component", e.Component, "to", e.To)
	}
}

// Start connects and reports until ctx is done.
func (r *Reporter) Start(ctx context.Context) error {
	r.cfg.Client.OnConnectionUp(func(ctx context.Context) {
		r.publishOnline(ctx, true, "")
		r.publishStatus(ctx)
	})
	if err := r.cfg.Client.Start(ctx); err != nil {
		return err
	}
	if r.cfg.Refresher != nil {
		// Subscribe waits for the first connection; the client restores it
		// after every reconnect.
		go func() {
			if err := r.cfg.Client.Subscribe(ctx, r.topic(paths.Command), 1, r.handleCommand); err != nil && ctx.Err() == nil {
				log.Error(err, "Failed to subscribe to command topic")
			}
		}()
	}
	log.Info("Status reporter started", "deviceID", r.cfg.DeviceID, "topic", r.topic(paths.Status))

	ticker := r.cfg.Clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C():
			r.publishStatus(ctx)
		case e := <-r.events:
			r.publishEvent(ctx, e)
			r.publishStatus(ctx)
		}
	}
}

func (r *Reporter) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.publishOnline(ctx, false, "shutdown")
	r.cfg.Client.Disconnect(ctx)
}

func (r *Reporter) publishOnline(ctx context.Context, online bool, reason string) {
	r.publish(ctx, r.topic(paths.Online), true, OnlinePayload{DeviceID: r.cfg.DeviceID, Online: online, Reason: reason})
}

func (r *Reporter) publishStatus(ctx context.Context) {
	var status any
	if r.cfg.Status != nil {
		status = r.cfg.Status()
	}
	r.publish(ctx, r.topic(paths.Status), true, StatusPayload{DeviceID: r.cfg.DeviceID, At: r.cfg.Clock.Now(), Status: status})
}

func (r *Reporter) publishEvent(ctx context.Context, e core.StatusEvent) {
	r.publish(ctx, r.topic(paths.Event), false, e)
}

func (r *Reporter) publish(ctx context.Context, topic string, retain bool, v any) {
	if !r.cfg.Client.IsConnected() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error(err, "Failed to encode MQTT payload", "topic", topic)
		return
	}
	if err := r.cfg.Client.Publish(ctx, topic, 1, retain, payload); err != nil {
		log.Warn("Failed to publish status", "topic", topic, "err", err)
	}
}

func (r *Reporter) topic(segment string) string {
	return r.cfg.Topics.Build(segment, r.cfg.DeviceID)
}

func (r *Reporter) handleCommand(_ context.Context, topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warn("Ignoring malformed command", "topic", topic, "err", err)
		return
	}
	switch cmd.Action {
	case ActionRefresh:
		reason := cmd.Reason
		if reason == "" {
			reason = "remote command"
		}
		log.Info("Refresh requested over MQTT", "reason", reason)
		r.cfg.Refresher.Trigger(reason)
	default:
		log.Warn("Ignoring unknown command", "action", cmd.Action)
	}
}

// OfflineWill returns the will payload registered when the client connects.
// It carries no timestamp since a will can be published long after it was set.
func OfflineWill(deviceID string) []byte {
	b, _ := json.Marshal(OnlinePayload{DeviceID: deviceID, Online: false, Reason: "UnexpectedDisconnect"})
	return b
}
