package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/mqttclient"
)

// MQTT espelha cada alerta em <base>/alerts/<source>/events.
type MQTT struct {
	pub       mqttclient.Publisher
	baseTopic string
}

func NewMQTT(pub mqttclient.Publisher, baseTopic string) *MQTT {
	return &MQTT{pub: pub, baseTopic: strings.TrimSuffix(baseTopic, "/")}
}

func (m *MQTT) Name() string  { return "mqtt" }
func (m *MQTT) Enabled() bool { return m != nil && m.pub != nil }

// Topic devolve o tópico do alerta.
func (m *MQTT) Topic(evt core.AlertEvent) string {
	src := strings.TrimSpace(evt.Source())
	if src == "" {
		src = "unknown"
	}
	// '/' e curingas quebrariam a hierarquia de tópicos
	src = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(src)
	return fmt.Sprintf("%s/alerts/%s/events", m.baseTopic, src)
}

func (m *MQTT) Notify(_ context.Context, evt core.AlertEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	topic := m.Topic(evt)
	if err := m.pub.Publish(topic, 1, false, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
