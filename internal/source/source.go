package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/cam-console/internal/core"
)

const (
	DefaultEncoderCommand    = "ffmpeg"
	DefaultRemoteContentType = "multipart/x-mixed-replace"
	defaultGracePeriod       = 5 * time.Second
)

// Handle é uma fonte aberta: um fluxo de bytes com contrato uniforme de erro/fechamento.
//
// Read devolve io.EOF (fim normal) ou um erro que envolve ErrSourceFailed.
// Close é idempotente e seguro para chamar de qualquer goroutine.
type Handle interface {
	io.Reader
	ContentType() string
	State() core.SourceState
	Close() error
}

// Opener abre a fonte de um stream do catálogo.
type Opener interface {
	Open(ctx context.Context, cfg core.StreamConfig) (Handle, error)
}

// Factory escolhe o adaptador (encoder local ou relay remoto) pelo tipo do stream.
type Factory struct {
	encoderCommand string
	grace          time.Duration
	client         *http.Client
}

// NewFactoryFromEnv monta a factory a partir de:
// ENCODER_COMMAND (default ffmpeg), ENCODER_GRACE_SECONDS,
// REMOTE_CONNECT_TIMEOUT_SECONDS e REMOTE_INSECURE_TLS.
func NewFactoryFromEnv() *Factory {
	grace := envDurationSeconds("ENCODER_GRACE_SECONDS", defaultGracePeriod)
	connectTimeout := envDurationSeconds("REMOTE_CONNECT_TIMEOUT_SECONDS", 10*time.Second)
	insecure := strings.EqualFold(strings.TrimSpace(os.Getenv("REMOTE_INSECURE_TLS")), "true")
	if insecure {
		log.Printf("[source] TLS inseguro habilitado para câmeras remotas")
	}

	return NewFactory(getenv("ENCODER_COMMAND", DefaultEncoderCommand), grace, NewStreamingClient(connectTimeout, insecure))
}

func NewFactory(encoderCommand string, grace time.Duration, client *http.Client) *Factory {
	if encoderCommand == "" {
		encoderCommand = DefaultEncoderCommand
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	if client == nil {
		client = NewStreamingClient(10*time.Second, false)
	}
	return &Factory{encoderCommand: encoderCommand, grace: grace, client: client}
}

// NewStreamingClient cria um client sem timeout total (o stream é infinito),
// limitando só a conexão e a espera pelos headers.
func NewStreamingClient(connectTimeout time.Duration, insecureTLS bool) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
		TLSHandshakeTimeout:   connectTimeout,
	}
	if insecureTLS {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec - câmeras em rede interna com cert próprio
		}
	}
	return &http.Client{Timeout: 0, Transport: tr}
}

func (f *Factory) Open(ctx context.Context, cfg core.StreamConfig) (Handle, error) {
	switch cfg.Kind {
	case core.StreamKindLocal:
		command := cfg.Command
		if command == "" {
			command = f.encoderCommand
		}
		return StartLocalCapture(ctx, cfg, command, f.grace)
	case core.StreamKindRemote:
		return OpenRemote(ctx, f.client, cfg)
	default:
		return nil, fmt.Errorf("%w: %q (stream %s)", ErrUnsupportedKind, cfg.Kind, cfg.Name)
	}
}

// stateBox guarda o estado do ciclo de vida da fonte.
type stateBox struct {
	mu    sync.Mutex
	state core.SourceState
}

func (b *stateBox) get() core.SourceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stateBox) set(s core.SourceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// promote passa de Starting para Streaming no primeiro byte lido.
func (b *stateBox) promote() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == core.SourceStateStarting {
		b.state = core.SourceStateStreaming
	}
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
		log.Printf("[source] valor inválido em %s=%q, usando default %s", key, v, def)
		return def
	}
	return time.Duration(sec) * time.Second
}
