// internal/core/types.go
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StreamKind identifica o tipo de produtor upstream de um stream.
type StreamKind string

const (
	StreamKindLocal  StreamKind = "local"
	StreamKindRemote StreamKind = "remote"
)

// SourceState é o ciclo de vida de uma fonte de vídeo.
type SourceState string

const (
	SourceStateStarting  SourceState = "starting"
	SourceStateStreaming SourceState = "streaming"
	SourceStateStopped   SourceState = "stopped"
	SourceStateFailed    SourceState = "failed"
)

// SharePolicy decide se viewers de um mesmo stream compartilham a fonte.
type SharePolicy string

const (
	// SharePolicyShared: uma fonte por nome de stream, reaproveitada por todos os viewers.
	SharePolicyShared SharePolicy = "shared"
	// SharePolicyIsolated: uma fonte independente por viewer.
	SharePolicyIsolated SharePolicy = "isolated"
)

// StreamConfig descreve um stream conhecido pelo console (entrada do catálogo).
type StreamConfig struct {
	Name string     `yaml:"-" json:"name"`
	Kind StreamKind `yaml:"kind" json:"kind"`

	// LocalCapture: processo encoder externo (ffmpeg)
	Command      string `yaml:"command,omitempty" json:"command,omitempty"`
	InputFormat  string `yaml:"input_format,omitempty" json:"input_format,omitempty"`
	Device       string `yaml:"device,omitempty" json:"device,omitempty"`
	OutputFormat string `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	Quality      int    `yaml:"quality,omitempty" json:"quality,omitempty"`
	FrameRate    int    `yaml:"frame_rate,omitempty" json:"frame_rate,omitempty"`
	Boundary     string `yaml:"boundary,omitempty" json:"boundary,omitempty"`

	// RemoteRelay: stream HTTP multipart vindo do dispositivo
	URL      string      `yaml:"url,omitempty" json:"url,omitempty"`
	Username string      `yaml:"username,omitempty" json:"-"`
	Password string      `yaml:"password,omitempty" json:"-"`
	Policy   SharePolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// EffectivePolicy retorna a política de compartilhamento aplicada ao stream.
// LocalCapture é sempre isolado: um encoder por viewer.
func (c StreamConfig) EffectivePolicy() SharePolicy {
	if c.Kind == StreamKindLocal {
		return SharePolicyIsolated
	}
	if c.Policy == SharePolicyIsolated {
		return SharePolicyIsolated
	}
	return SharePolicyShared
}

// AlertEvent é um alerta produzido pelo processo de análise externo.
//
// No fio e em disco é um objeto JSON plano: {id, message, timestamp, ...payload}.
type AlertEvent struct {
	ID        string
	Message   string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// campos reservados que não vão para o Payload
var reservedAlertKeys = map[string]struct{}{
	"id":        {},
	"message":   {},
	"timestamp": {},
}

func (e AlertEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		if _, ok := reservedAlertKeys[k]; ok {
			continue
		}
		out[k] = v
	}
	if e.ID != "" {
		out["id"] = e.ID
	}
	out["message"] = e.Message
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (e *AlertEvent) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("alert must be a JSON object")
	}

	var evt AlertEvent
	if v, ok := raw["id"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("alert id must be a string")
		}
		evt.ID = strings.TrimSpace(s)
	}
	if v, ok := raw["message"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("alert message must be a string")
		}
		evt.Message = s
	}
	if v, ok := raw["timestamp"]; ok && v != nil {
		ts, err := parseTimestamp(v)
		if err != nil {
			return err
		}
		evt.Timestamp = ts
	}

	for k, v := range raw {
		if _, ok := reservedAlertKeys[k]; ok {
			continue
		}
		if evt.Payload == nil {
			evt.Payload = make(map[string]interface{}, len(raw))
		}
		evt.Payload[k] = normalizeNumber(v)
	}

	*e = evt
	return nil
}

// Clone devolve uma cópia com Payload próprio (cópia rasa dos valores).
func (e AlertEvent) Clone() AlertEvent {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

var cameraRx = regexp.MustCompile(`(?i)camera[\s_-]*([a-z0-9]+)`)

// Source retorna o identificador da câmera de origem do alerta, se houver.
// Prioridade: payload camera_id, depois "Camera N" na mensagem.
func (e AlertEvent) Source() string {
	if v, ok := e.Payload["camera_id"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if m := cameraRx.FindStringSubmatch(e.Message); len(m) == 2 {
		return m[1]
	}
	return ""
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid alert timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	case json.Number:
		// epoch em segundos (com fração), como o time.time() do produtor python
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid alert timestamp %q: %w", x.String(), err)
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("invalid alert timestamp type %T", v)
	}
}

// normalizeNumber converte json.Number para int64/float64, recursivamente.
func normalizeNumber(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		for k, vv := range x {
			x[k] = normalizeNumber(vv)
		}
		return x
	case []interface{}:
		for i, vv := range x {
			x[i] = normalizeNumber(vv)
		}
		return x
	default:
		return v
	}
}
