// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrDisabled: MQTT_HOST não configurado; o console roda sem broker.
var ErrDisabled = errors.New("mqtt disabled")

// Publisher é o que notifiers e o loop de status precisam do broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Subscriber recebe mensagens de um tópico (ingestão de alertas).
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

type Client struct {
	client mqtt.Client
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// WillTopic recebe WillPayload (retido) se o console cair sem Close.
	WillTopic   string
	WillPayload string
}

// BaseTopic é o prefixo de todos os tópicos do console (MQTT_BASE_TOPIC,
// default "cam-console").
func BaseTopic() string {
	return strings.TrimSuffix(getenv("MQTT_BASE_TOPIC", "cam-console"), "/")
}

// NewClientFromEnv conecta usando MQTT_HOST/PORT/USERNAME/PASSWORD/CLIENT_ID.
// Sem MQTT_HOST devolve ErrDisabled.
func NewClientFromEnv(defaultClientID, willTopic, willPayload string) (*Client, error) {
	host := strings.TrimSpace(os.Getenv("MQTT_HOST"))
	if host == "" {
		return nil, ErrDisabled
	}

	cfg := Config{
		Host:        host,
		Port:        getenvInt("MQTT_PORT", 1883),
		Username:    os.Getenv("MQTT_USERNAME"),
		Password:    os.Getenv("MQTT_PASSWORD"),
		ClientID:    getenv("MQTT_CLIENT_ID", defaultClientID),
		WillTopic:   willTopic,
		WillPayload: willPayload,
	}

	return NewClient(cfg)
}

func NewClient(cfg Config) (*Client, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout (%s)", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timeout (%s)", topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[mqtt] valor inválido em %s=%q, usando default %d", key, v, def)
		return def
	}
	return n
}
