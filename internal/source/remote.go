package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sua-org/cam-console/internal/core"
)

// RemoteRelay é um dispositivo remoto (ex.: celular com IP Webcam) empurrando
// um multipart por HTTP. Os bytes são repassados sem parse e sem buffer extra.
type RemoteRelay struct {
	name  string
	body  io.ReadCloser
	ctype string

	cancel  context.CancelFunc
	state   stateBox
	closing atomic.Bool

	closeOnce sync.Once
}

// OpenRemote faz o GET no upstream. Resposta não-2xx ou sem corpo vira
// ErrUpstreamUnreachable.
func OpenRemote(ctx context.Context, client *http.Client, cfg core.StreamConfig) (*RemoteRelay, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: stream %s sem url configurada", ErrUpstreamUnreachable, cfg.Name)
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := getWithAuth(ctx, client, cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUpstreamUnreachable, cfg.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: GET %s status %d: %s", ErrUpstreamUnreachable, cfg.URL, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		if resp.Body != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: GET %s sem corpo", ErrUpstreamUnreachable, cfg.URL)
	}

	ct := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if ct == "" {
		ct = DefaultRemoteContentType
	}

	r := &RemoteRelay{
		name:   cfg.Name,
		body:   resp.Body,
		ctype:  ct,
		cancel: cancel,
	}
	r.state.set(core.SourceStateStarting)
	log.Printf("[source] upstream remoto conectado para stream %s (%s, content-type=%s)", cfg.Name, cfg.URL, ct)
	return r, nil
}

func (r *RemoteRelay) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.state.promote()
	}
	if err == nil {
		return n, nil
	}

	if r.closing.Load() {
		r.state.set(core.SourceStateStopped)
		return n, io.EOF
	}

	// upstream ao vivo não termina sozinho: EOF aqui também é falha
	r.state.set(core.SourceStateFailed)
	if errors.Is(err, io.EOF) {
		log.Printf("[source] upstream do stream %s encerrou a conexão", r.name)
		return n, io.EOF
	}
	log.Printf("[source] erro lendo upstream do stream %s: %v", r.name, err)
	return n, fmt.Errorf("%w: %v", ErrSourceFailed, err)
}

func (r *RemoteRelay) ContentType() string { return r.ctype }

func (r *RemoteRelay) State() core.SourceState { return r.state.get() }

func (r *RemoteRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		r.cancel()
		err = r.body.Close()
		if r.state.get() != core.SourceStateFailed {
			r.state.set(core.SourceStateStopped)
		}
		log.Printf("[source] upstream do stream %s fechado", r.name)
	})
	return err
}
