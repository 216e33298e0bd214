// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sua-org/cam-console/internal/alerts"
	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/mqttclient"
	"github.com/sua-org/cam-console/internal/relay"
)

// Broker é o lado MQTT que o supervisor usa.
type Broker interface {
	mqttclient.Publisher
	mqttclient.Subscriber
}

// AlertBus é o que o supervisor precisa do barramento.
type AlertBus interface {
	Publish(ctx context.Context, evt core.AlertEvent) (core.AlertEvent, error)
	Subscribers() int
	Total() int
}

// StreamRelay é o que o supervisor precisa do relay.
type StreamRelay interface {
	Streams() []relay.StreamStatus
	Viewers() int
}

// Supervisor liga o console ao broker: ingere alertas do processo de análise
// e publica periodicamente o status do console (retido).
type Supervisor struct {
	mqtt      Broker
	baseTopic string

	bus   AlertBus
	relay StreamRelay

	statusInterval time.Duration
	proc           *process.Process // processo do cam-console para métricas
	hostname       string
	startedAt      time.Time
	now            func() time.Time
}

func New(mqtt Broker, baseTopic string, bus AlertBus, rl StreamRelay) *Supervisor {
	baseTopic = strings.TrimSuffix(baseTopic, "/")

	statusInterval := envDurationSeconds("CONSOLE_STATUS_INTERVAL_SECONDS", 30*time.Second)
	var procHandle *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		procHandle = p
	}
	hostname, _ := os.Hostname()

	return &Supervisor{
		mqtt:           mqtt,
		baseTopic:      baseTopic,
		bus:            bus,
		relay:          rl,
		statusInterval: statusInterval,
		proc:           procHandle,
		hostname:       hostname,
		startedAt:      time.Now().UTC(),
		now:            time.Now,
	}
}

// IngestTopic recebe alertas JSON do processo de análise.
func (s *Supervisor) IngestTopic() string {
	return getenv("ALERTS_INGEST_TOPIC", s.baseTopic+"/alerts/ingest")
}

// StatusTopic recebe o status retido do console.
func StatusTopic(baseTopic string) string {
	return strings.TrimSuffix(baseTopic, "/") + "/console/status"
}

// OfflinePayload é usado como last will e no shutdown.
func OfflinePayload() string {
	return `{"collector":"cam-console","status":"offline"}`
}

// Run assina o tópico de ingestão e mantém o loop de status até ctx acabar.
func (s *Supervisor) Run(ctx context.Context) error {
	topic := s.IngestTopic()
	log.Printf("[supervisor] subscribing to ingest topic: %s", topic)
	if err := s.mqtt.Subscribe(topic, 1, func(topic string, payload []byte) {
		s.handleIngestMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("subscribe error: %w", err)
	}

	if s.statusInterval > 0 {
		s.publishStatus(s.now())
		go s.runStatusLoop(ctx)
	}

	<-ctx.Done()
	log.Printf("[supervisor] context canceled, publicando status offline")
	if err := s.mqtt.Publish(StatusTopic(s.baseTopic), 1, true, []byte(OfflinePayload())); err != nil {
		log.Printf("[supervisor] erro ao publicar status offline: %v", err)
	}
	return nil
}

func (s *Supervisor) handleIngestMessage(ctx context.Context, topic string, payload []byte) {
	evt, err := alerts.DecodeAlert(payload)
	if err != nil {
		log.Printf("[supervisor] alerta inválido em %s: %v", topic, err)
		return
	}
	stored, err := s.bus.Publish(ctx, evt)
	switch {
	case err == nil:
		log.Printf("[supervisor] alerta %s ingerido de %s", stored.ID, topic)
	case alerts.IsPersistenceError(err):
		log.Printf("[supervisor] alerta %s ingerido sem persistência: %v", stored.ID, err)
	case errors.Is(err, alerts.ErrBusClosed):
		log.Printf("[supervisor] barramento fechado, alerta de %s ignorado", topic)
	default:
		log.Printf("[supervisor] erro ao publicar alerta de %s: %v", topic, err)
	}
}

func (s *Supervisor) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	log.Printf("[supervisor] status loop iniciado (intervalo=%s)", s.statusInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] status loop encerrado (context canceled)")
			return
		case t := <-ticker.C:
			s.publishStatus(t)
		}
	}
}

// Status é o payload publicado em <base>/console/status.
type Status struct {
	Collector      string               `json:"collector"`
	Status         string               `json:"status"`
	Timestamp      string               `json:"timestamp"`
	StartedAt      string               `json:"started_at"`
	Hostname       string               `json:"hostname"`
	Streams        []relay.StreamStatus `json:"streams"`
	Viewers        int                  `json:"viewers"`
	Subscribers    int                  `json:"subscribers"`
	AlertsTotal    int                  `json:"alerts_total"`
	CPUPercent     float64              `json:"cpu_percent"`
	MemoryPercent  float64              `json:"memory_percent"`
	MemoryRSSBytes uint64               `json:"memory_rss_bytes"`
}

func (s *Supervisor) buildStatus(now time.Time) Status {
	st := Status{
		Collector:   "cam-console",
		Status:      "online",
		Timestamp:   now.UTC().Format(time.RFC3339),
		StartedAt:   s.startedAt.Format(time.RFC3339),
		Hostname:    s.hostname,
		Streams:     s.relay.Streams(),
		Viewers:     s.relay.Viewers(),
		Subscribers: s.bus.Subscribers(),
		AlertsTotal: s.bus.Total(),
	}

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			st.MemoryRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			st.MemoryPercent = float64(memP)
		}
	}
	return st
}

func (s *Supervisor) publishStatus(now time.Time) {
	b, err := json.Marshal(s.buildStatus(now))
	if err != nil {
		log.Printf("[status] erro ao marshalar status: %v", err)
		return
	}

	topic := StatusTopic(s.baseTopic)
	if err := s.mqtt.Publish(topic, 1, true, b); err != nil {
		log.Printf("[status] erro ao publicar status em %s: %v", topic, err)
		return
	}
	log.Printf("[status] console online -> %s", topic)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 {
		log.Printf("[supervisor] valor inválido em %s=%q, usando default %s", key, v, def)
		return def
	}
	// 0 desliga o loop de status
	return time.Duration(sec) * time.Second
}
