// cmd/mqtt-debug-subscriber/main.go
//
// Small operator tool: subscribes to the count event and status
// topics and pretty-prints every message.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sua-org/gate-vision/internal/mqttclient"
)

func main() {
	baseTopic := getenv("MQTT_BASE_TOPIC", "gate-vision/cameras")
	subscribeTopic := getenv("MQTT_DEBUG_TOPIC", baseTopic+"/#")

	mqttCli, err := mqttclient.NewClientFromEnv("gate-vision-debug-subscriber")
	if err != nil {
		log.Fatalf("mqtt connect: %v", err)
	}
	defer mqttCli.Close()

	log.Printf("[debug] subscribed to topic: %s", subscribeTopic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if err := mqttCli.Subscribe(subscribeTopic, 1, handleMessage); err != nil {
		log.Fatalf("subscribe %s: %v", subscribeTopic, err)
	}

	go func() {
		<-sig
		log.Println("[debug] signal received, stopping subscriber")
		cancel()
	}()

	<-ctx.Done()
	time.Sleep(500 * time.Millisecond)
}

func handleMessage(topic string, payload []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Printf("[debug] %s: non-JSON payload (%d bytes): %s", topic, len(payload), string(payload))
		return
	}

	pretty, _ := json.MarshalIndent(raw, "", "  ")
	log.Printf("[debug] %s:\n%s", topic, string(pretty))

	if eventID := getString(raw, "event_id"); eventID != "" {
		log.Printf("[EVENT] id=%s camera=%s class=%s direction=%s url=%s",
			eventID,
			getString(raw, "camera_id"),
			getString(raw, "class"),
			getString(raw, "direction"),
			getString(raw, "snapshot_url"),
		)
	}
}

func getString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
