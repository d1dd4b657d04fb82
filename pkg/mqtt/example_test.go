package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/mqtt"
)

// ExampleClient shows the usual lifecycle: configure with a last will, start
// without blocking, wait for the broker and publish a retained status.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "cpeer-lock-agent-0001",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		CleanStart:     true,

		WillTopic:   "smartlock/v1/online/0001",
		WillPayload: []byte(`{"online":false}`),
		WillQoS:     1,
		WillRetain:  true,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "Failed to create MQTT client")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Start returns at once; autopaho keeps reconnecting in the background.
	if err := client.Start(ctx); err != nil {
		log.Error(err, "Failed to start MQTT client")
		return
	}

	client.OnConnectionUp(func(ctx context.Context) {
		_ = client.Publish(ctx, "smartlock/v1/online/0001", 1, true, []byte(`{"online":true}`))
	})

	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "Connection timed out")
		return
	}
	fmt.Println("MQTT Connected!")

	payload := []byte(`{"supervision":"running","connectivity":"online"}`)
	if err := client.Publish(ctx, "smartlock/v1/status/0001", 1, true, payload); err != nil {
		log.Error(err, "Failed to publish status")
	}

	client.Disconnect(ctx)
}
