package reporter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/lockagent/pkg/mqtt/topic"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	pubs         []published
	onUp         []func(context.Context)
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	hooks := append([]func(context.Context){}, f.onUp...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

func (f *fakeClient) Disconnect(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) Publish(_ context.Context, topic string, _ int, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, retain: retain, payload: payload})
	return nil
}

func (f *fakeClient) Subscribe(_ context.Context, topic string, _ int, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeClient) AwaitConnection(context.Context) error { return nil }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) OnConnectionUp(fn func(context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUp = append(f.onUp, fn)
}

func (f *fakeClient) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.pubs {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeClient) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

type countingRefresher struct {
	mu      sync.Mutex
	reasons []string
}

func (c *countingRefresher) Trigger(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *countingRefresher) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

type harness struct {
	client    *fakeClient
	clock     *clocktesting.FakeClock
	refresher *countingRefresher
	reporter  *Reporter
	cancel    context.CancelFunc
	done      chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		client:    newFakeClient(),
		clock:     clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0)),
		refresher: &countingRefresher{},
		done:      make(chan error, 1),
	}
	h.reporter = New(Config{
		Client:            h.client,
		Topics:            mqtttopic.NewBuilder("smartlock"),
		DeviceID:          "lock-1",
		Status:            func() any { return map[string]string{"supervision": "running"} },
		Refresher:         h.refresher,
		HeartbeatInterval: time.Minute,
		Clock:             h.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.reporter.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not stop")
	}
	h.done <- nil
}

func TestReporterAnnouncesPresence(t *testing.T) {
	h := start(t)

	require.Eventually(t, func() bool { return len(h.client.on("smartlock/online/lock-1")) == 1 }, time.Second, 5*time.Millisecond)
	up := h.client.on("smartlock/online/lock-1")[0]
	assert.True(t, up.retain)

	var payload OnlinePayload
	require.NoError(t, json.Unmarshal(up.payload, &payload))
	assert.Equal(t, OnlinePayload{DeviceID: "lock-1", Online: true}, payload)

	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) >= 1 }, time.Second, 5*time.Millisecond)

	h.stop(t)
	online := h.client.on("smartlock/online/lock-1")
	require.Len(t, online, 2)
	require.NoError(t, json.Unmarshal(online[1].payload, &payload))
	assert.False(t, payload.Online)
	assert.Equal(t, "shutdown", payload.Reason)
	assert.True(t, h.client.disconnected)
}

func TestReporterPublishesTransitions(t *testing.T) {
	h := start(t)
	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) == 1 }, time.Second, 5*time.Millisecond)

	h.reporter.OnStatus(core.StatusEvent{Component: "supervisor", From: "running", To: "crashed", Reason: "exit status 1"})

	require.Eventually(t, func() bool { return len(h.client.on("smartlock/event/lock-1")) == 1 }, time.Second, 5*time.Millisecond)
	ev := h.client.on("smartlock/event/lock-1")[0]
	assert.False(t, ev.retain)

	var got core.StatusEvent
	require.NoError(t, json.Unmarshal(ev.payload, &got))
	assert.Equal(t, "crashed", got.To)

	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) == 2 }, time.Second, 5*time.Millisecond)
	status := h.client.on("smartlock/status/lock-1")[1]
	assert.True(t, status.retain)

	var doc StatusPayload
	require.NoError(t, json.Unmarshal(status.payload, &doc))
	assert.Equal(t, "lock-1", doc.DeviceID)
	assert.Equal(t, map[string]any{"supervision": "running"}, doc.Status)
}

func TestReporterHeartbeat(t *testing.T) {
	h := start(t)
	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, h.clock.HasWaiters, time.Second, 5*time.Millisecond)
	h.clock.Step(time.Minute)

	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestReporterSkipsPublishWhileDisconnected(t *testing.T) {
	h := start(t)
	require.Eventually(t, func() bool { return len(h.client.on("smartlock/status/lock-1")) == 1 }, time.Second, 5*time.Millisecond)

	h.client.mu.Lock()
	h.client.connected = false
	h.client.mu.Unlock()

	h.reporter.OnStatus(core.StatusEvent{Component: "connectivity", To: "offline"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.client.on("smartlock/event/lock-1"))
}

func TestReporterRefreshCommand(t *testing.T) {
	h := start(t)

	const topic = "smartlock/command/lock-1"
	require.Eventually(t, func() bool { return h.client.handler(topic) != nil }, time.Second, 5*time.Millisecond)
	handle := h.client.handler(topic)

	handle(context.Background(), topic, []byte(`{"action":"refresh","reason":"fleet rollout"}`))
	handle(context.Background(), topic, []byte(`{"action":"refresh"}`))
	handle(context.Background(), topic, []byte(`{"action":"reboot"}`))
	handle(context.Background(), topic, []byte(`not json`))

	assert.Equal(t, []string{"fleet rollout", "remote command"}, h.refresher.all())
}

func TestOnStatusDoesNotBlock(t *testing.T) {
	r := New(Config{Client: newFakeClient(), Topics: mqtttopic.NewBuilder("x"), DeviceID: "d"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.OnStatus(core.StatusEvent{Component: "supervisor"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStatus blocked without a running reporter")
	}
}

func TestOfflineWill(t *testing.T) {
	var p OnlinePayload
	require.NoError(t, json.Unmarshal(OfflineWill("lock-1"), &p))
	assert.Equal(t, "lock-1", p.DeviceID)
	assert.False(t, p.Online)
}
