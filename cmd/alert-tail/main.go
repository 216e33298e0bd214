// cmd/alert-tail: acompanha os alertas do console em tempo real, via MQTT
// (espelho <base>/alerts/+/events) ou via WebSocket (/alerts/ws).
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/mqttclient"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("[tail] sinal recebido, encerrando...")
		cancel()
	}()

	switch strings.ToLower(getenv("ALERT_TAIL_SOURCE", "ws")) {
	case "mqtt":
		tailMQTT(ctx)
	default:
		tailWebSocket(ctx, getenv("CONSOLE_URL", "http://localhost:6969"))
	}
}

func tailMQTT(ctx context.Context) {
	topic := getenv("ALERT_TAIL_TOPIC", mqttclient.BaseTopic()+"/alerts/+/events")

	mqttCli, err := mqttclient.NewClientFromEnv("cam-console-alert-tail", "", "")
	if err != nil {
		log.Fatalf("erro ao conectar no MQTT: %v", err)
	}
	defer mqttCli.Close()

	if err := mqttCli.Subscribe(topic, 1, func(topic string, payload []byte) {
		printAlert(topic, payload)
	}); err != nil {
		log.Fatalf("erro ao assinar tópico %s: %v", topic, err)
	}
	log.Printf("[tail] subscribed to topic: %s", topic)

	<-ctx.Done()
	time.Sleep(500 * time.Millisecond)
}

func tailWebSocket(ctx context.Context, consoleURL string) {
	wsURL := strings.TrimSuffix(consoleURL, "/") + "/alerts/ws"
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("erro ao conectar em %s: %v", wsURL, err)
	}
	defer conn.Close()
	log.Printf("[tail] conectado em %s", wsURL)

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Printf("[tail] conexão encerrada: %v", err)
			}
			return
		}
		if msg.Event != "new_alert" {
			log.Printf("[tail] evento %s: %s", msg.Event, msg.Data)
			continue
		}
		printAlert(wsURL, msg.Data)
	}
}

func printAlert(from string, payload []byte) {
	var evt core.AlertEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		log.Printf("[tail] payload inválido de %s: %v (%s)", from, err, string(payload))
		return
	}

	src := evt.Source()
	if src == "" {
		src = "-"
	}
	log.Printf("[ALERT] %s camera=%s id=%s %q", evt.Timestamp.Local().Format(time.RFC3339), src, evt.ID, evt.Message)
	if u, ok := evt.Payload["snapshot_url"].(string); ok {
		log.Printf("[ALERT] snapshot: %s", u)
	}
	if len(evt.Payload) > 0 && os.Getenv("ALERT_TAIL_VERBOSE") == "true" {
		pretty, _ := json.MarshalIndent(evt, "", "  ")
		log.Printf("[ALERT] JSON:\n%s", string(pretty))
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
