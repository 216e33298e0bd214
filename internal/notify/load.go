package notify

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/cam-console/internal/mqttclient"
)

// LoadFromEnv monta os notifiers habilitados em NOTIFIERS
// (csv: console,webhook,sms,mqtt; default console).
// pub pode ser nil quando o MQTT está desligado; nesse caso "mqtt" é ignorado.
func LoadFromEnv(pub mqttclient.Publisher) *Manager {
	names := parseCSV(getenv("NOTIFIERS", "console"))
	timeout := envDurationSeconds("NOTIFIER_TIMEOUT_SECONDS", 5*time.Second)
	queue := envInt("NOTIFIER_QUEUE_SIZE", defaultQueueSize)

	var list []Notifier
	for _, n := range names {
		switch strings.ToLower(n) {
		case "console":
			list = append(list, NewConsole())
		case "webhook":
			if w := NewWebhookFromEnv(); w.Enabled() {
				list = append(list, w)
			} else {
				log.Printf("[notify] webhook sem WEBHOOK_URL (ignorando)")
			}
		case "sms", "twilio":
			if s := NewSMSFromEnv(); s.Enabled() {
				list = append(list, s)
			} else {
				log.Printf("[notify] sms sem credenciais SMS_* completas (ignorando)")
			}
		case "mqtt":
			if pub == nil {
				log.Printf("[notify] mqtt sem broker conectado (ignorando)")
				continue
			}
			list = append(list, NewMQTT(pub, mqttclient.BaseTopic()))
		case "none":
		default:
			log.Printf("[notify] notifier %q desconhecido (ignorando)", n)
		}
	}

	m := NewManager(list, timeout, queue)
	if m.Enabled() {
		log.Printf("[notify] habilitados: %s", strings.Join(m.Names(), ","))
	} else {
		log.Printf("[notify] nenhum notifier habilitado")
	}
	return m
}

func parseCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
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
	if err != nil || sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
