// Package catalog carrega os streams conhecidos pelo console (streams.yaml ou env).
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/sua-org/cam-console/internal/core"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "streams.yaml"

// File é o formato do streams.yaml:
//
//	streams:
//	  "1":
//	    kind: local
//	    input_format: dshow
//	    device: video=Integrated Camera
//	  "2":
//	    kind: remote
//	    url: http://10.0.0.20/video
//	    username: ${CAM2_USER}
//	    password: ${CAM2_PASS}
//
// Referências ${VAR} são expandidas a partir do ambiente.
type File struct {
	Streams map[string]core.StreamConfig `yaml:"streams"`
}

type Catalog struct {
	streams map[string]core.StreamConfig
}

// LoadFromEnv lê STREAMS_CONFIG (default streams.yaml). Se a variável foi
// definida e o arquivo não pode ser lido, o erro é devolvido. Sem variável e
// sem arquivo, monta o catálogo a partir de LOCAL_CAMERA_DEVICE (stream "1")
// e REMOTE_CAMERA_URL (stream "2").
func LoadFromEnv() (*Catalog, error) {
	path, explicit := os.LookupEnv("STREAMS_CONFIG")
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	c, err := Load(path)
	if err == nil {
		log.Printf("[catalog] %d streams carregados de %s", c.Len(), path)
		return c, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	c, err = FromEnv()
	if err != nil {
		return nil, err
	}
	log.Printf("[catalog] %s não encontrado, usando catálogo do ambiente (%d streams)", path, c.Len())
	return c, nil
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Streams)
}

// FromEnv monta o catálogo padrão de dois streams.
func FromEnv() (*Catalog, error) {
	streams := make(map[string]core.StreamConfig)
	if dev := strings.TrimSpace(os.Getenv("LOCAL_CAMERA_DEVICE")); dev != "" {
		streams["1"] = core.StreamConfig{
			Kind:        core.StreamKindLocal,
			Device:      dev,
			InputFormat: os.Getenv("LOCAL_CAMERA_INPUT_FORMAT"),
		}
	}
	if u := strings.TrimSpace(os.Getenv("REMOTE_CAMERA_URL")); u != "" {
		streams["2"] = core.StreamConfig{
			Kind:     core.StreamKindRemote,
			URL:      u,
			Username: os.Getenv("REMOTE_CAMERA_USERNAME"),
			Password: os.Getenv("REMOTE_CAMERA_PASSWORD"),
		}
	}
	if len(streams) == 0 {
		log.Printf("[catalog] aviso: nenhum stream configurado (LOCAL_CAMERA_DEVICE / REMOTE_CAMERA_URL vazios)")
	}
	return New(streams)
}

// New valida as entradas e preenche Name com a chave do mapa.
func New(streams map[string]core.StreamConfig) (*Catalog, error) {
	c := &Catalog{streams: make(map[string]core.StreamConfig, len(streams))}
	for name, cfg := range streams {
		name = strings.TrimSpace(name)
		cfg.Name = name
		if err := validate(cfg); err != nil {
			return nil, err
		}
		if _, dup := c.streams[name]; dup {
			return nil, fmt.Errorf("stream %q declarado mais de uma vez", name)
		}
		c.streams[name] = cfg
	}
	return c, nil
}

func validate(cfg core.StreamConfig) error {
	if cfg.Name == "" || strings.ContainsAny(cfg.Name, "/?#") {
		return fmt.Errorf("stream name inválido: %q", cfg.Name)
	}
	switch cfg.Kind {
	case core.StreamKindLocal:
		if strings.TrimSpace(cfg.Device) == "" {
			return fmt.Errorf("stream %s: kind local exige device", cfg.Name)
		}
	case core.StreamKindRemote:
		if strings.TrimSpace(cfg.URL) == "" {
			return fmt.Errorf("stream %s: kind remote exige url", cfg.Name)
		}
	default:
		return fmt.Errorf("stream %s: kind %q desconhecido", cfg.Name, cfg.Kind)
	}
	switch cfg.Policy {
	case "", core.SharePolicyShared, core.SharePolicyIsolated:
	default:
		return fmt.Errorf("stream %s: policy %q desconhecida", cfg.Name, cfg.Policy)
	}
	return nil
}

func (c *Catalog) Lookup(name string) (core.StreamConfig, bool) {
	cfg, ok := c.streams[name]
	return cfg, ok
}

// All devolve os streams ordenados por nome.
func (c *Catalog) All() []core.StreamConfig {
	out := make([]core.StreamConfig, 0, len(c.streams))
	for _, cfg := range c.streams {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int { return len(c.streams) }
