// Package relay distribui streams de vídeo para N viewers.
//
// Cada fonte aberta tem uma goroutine (pump) que lê chunks e entrega para
// os viewers anexados a ela com envio não bloqueante. Streams locais usam
// uma fonte por viewer; streams remotos compartilham uma fonte por nome,
// a menos que o catálogo peça policy isolated.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/registry"
	"github.com/sua-org/cam-console/internal/source"
)

const (
	defaultBufferChunks = 64
	defaultChunkSize    = 32 * 1024
)

// Streams é a visão do catálogo que o relay precisa.
type Streams interface {
	Lookup(name string) (core.StreamConfig, bool)
	All() []core.StreamConfig
}

type Options struct {
	// BufferChunks é a capacidade da fila de cada viewer.
	BufferChunks int
	// ChunkSize é o tamanho máximo de cada leitura da fonte.
	ChunkSize int
}

// OptionsFromEnv lê RELAY_BUFFER_CHUNKS e RELAY_CHUNK_BYTES.
func OptionsFromEnv() Options {
	return Options{
		BufferChunks: envInt("RELAY_BUFFER_CHUNKS", defaultBufferChunks),
		ChunkSize:    envInt("RELAY_CHUNK_BYTES", defaultChunkSize),
	}
}

// StreamStatus é o estado de um stream para /streams e para o status MQTT.
type StreamStatus struct {
	Name    string             `json:"name"`
	Kind    core.StreamKind    `json:"kind"`
	Policy  core.SharePolicy   `json:"policy"`
	Viewers int                `json:"viewers"`
	Sources []core.SourceState `json:"sources"`
}

type Relay struct {
	streams  Streams
	opener   source.Opener
	sessions *registry.Table[*Viewer]
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	feeds   map[string]*feed
	viewers map[string]*Viewer
	opening map[string]*sync.Mutex
	closed  bool
}

func New(streams Streams, opener source.Opener, sessions *registry.Table[*Viewer], opts Options) *Relay {
	if opts.BufferChunks <= 0 {
		opts.BufferChunks = defaultBufferChunks
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if sessions == nil {
		sessions = registry.New[*Viewer]()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		streams:  streams,
		opener:   opener,
		sessions: sessions,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		feeds:    make(map[string]*feed),
		viewers:  make(map[string]*Viewer),
		opening:  make(map[string]*sync.Mutex),
	}
}

// Attach anexa um novo viewer ao stream, abrindo a fonte se preciso.
// Stream desconhecido devolve ErrUnknownStream sem abrir nada.
func (r *Relay) Attach(ctx context.Context, name string) (*Viewer, error) {
	cfg, ok := r.streams.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := newViewer(uuid.NewString(), name, r.opts.BufferChunks)

	// registra antes de anexar: se a fonte falhar logo no primeiro chunk,
	// o pump encontra o viewer nos índices e o remove.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	r.viewers[v.ID] = v
	r.mu.Unlock()
	r.sessions.Put(name, v.ID, v)

	var err error
	if cfg.EffectivePolicy() == core.SharePolicyIsolated {
		err = r.attachIsolated(cfg, v)
	} else {
		err = r.attachShared(cfg, v)
	}
	if err != nil {
		r.forget(v)
		return nil, err
	}

	log.Printf("[relay] viewer %s anexado ao stream %s (%d viewers)", v.ID, name, r.sessions.Len(name))
	return v, nil
}

func (r *Relay) attachIsolated(cfg core.StreamConfig, v *Viewer) error {
	return r.openFeed(cfg.Name+"/"+v.ID, cfg, v)
}

func (r *Relay) attachShared(cfg core.StreamConfig, v *Viewer) error {
	// serializa aberturas do mesmo stream: dois viewers simultâneos não sobem duas fontes
	lock := r.openLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	f := r.feeds[cfg.Name]
	r.mu.Unlock()
	if f != nil && f.add(v) {
		return nil
	}

	return r.openFeed(cfg.Name, cfg, v)
}

func (r *Relay) openLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.opening[name]
	if !ok {
		l = &sync.Mutex{}
		r.opening[name] = l
	}
	return l
}

// openFeed abre a fonte já com o primeiro viewer anexado, antes do pump
// ler qualquer byte: o primeiro chunk é sempre desse viewer.
func (r *Relay) openFeed(key string, cfg core.StreamConfig, first *Viewer) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}

	h, err := r.opener.Open(r.ctx, cfg)
	if err != nil {
		log.Printf("[relay] falha ao abrir fonte do stream %s: %v", cfg.Name, err)
		return err
	}

	f := &feed{
		key:     key,
		stream:  cfg.Name,
		handle:  h,
		viewers: make(map[string]*Viewer),
		done:    make(chan struct{}),
	}
	f.add(first)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = h.Close()
		return ErrRelayClosed
	}
	r.feeds[key] = f
	r.mu.Unlock()

	log.Printf("[relay] fonte aberta para stream %s (%s)", cfg.Name, h.ContentType())
	go r.pump(f)
	return nil
}

// pump lê a fonte e entrega cada chunk a todos os viewers da feed.
func (r *Relay) pump(f *feed) {
	defer close(f.done)

	buf := make([]byte, r.opts.ChunkSize)
	for {
		n, err := f.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, v := range f.broadcast(chunk) {
				log.Printf("[relay] viewer %s do stream %s lento, desconectado", v.ID, v.Stream)
				r.forget(v)
			}
			if f.idle() {
				r.release(f)
				return
			}
		}
		if err != nil {
			reason := sourceError(f.stream, err)
			if !f.isClosed() {
				log.Printf("[relay] fonte do stream %s terminou: %v", f.stream, err)
			}
			for _, v := range f.shutdown(reason) {
				r.forget(v)
			}
			r.removeFeed(f)
			_ = f.handle.Close()
			return
		}
	}
}

func sourceError(stream string, err error) error {
	if errors.Is(err, source.ErrSourceFailed) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream %s terminou", source.ErrSourceFailed, stream)
	}
	return fmt.Errorf("%w: stream %s: %v", source.ErrSourceFailed, stream, err)
}

// Detach remove o viewer de forma síncrona. Se a fonte ficar sem viewers
// ela é fechada antes do retorno. Devolve false se o viewer não existe
// (já removido por falha da fonte ou por lentidão).
func (r *Relay) Detach(id string) bool {
	r.mu.Lock()
	v, ok := r.viewers[id]
	if ok {
		delete(r.viewers, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.sessions.Delete(v.Stream, v.ID)
	f := v.feed
	f.remove(v, nil)
	if f.idle() {
		r.release(f)
	}

	log.Printf("[relay] viewer %s desanexado do stream %s (%d viewers)", v.ID, v.Stream, r.sessions.Len(v.Stream))
	return true
}

// forget tira o viewer dos índices sem mexer na feed.
func (r *Relay) forget(v *Viewer) {
	r.mu.Lock()
	delete(r.viewers, v.ID)
	r.mu.Unlock()
	r.sessions.Delete(v.Stream, v.ID)
}

// release fecha a feed se ela ainda estiver sem viewers. Espera o
// encerramento da fonte (SIGINT no encoder).
func (r *Relay) release(f *feed) {
	if !f.markClosed() {
		return
	}
	r.removeFeed(f)
	_ = f.handle.Close()
	log.Printf("[relay] fonte do stream %s liberada", f.stream)
}

func (r *Relay) removeFeed(f *feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feeds[f.key] == f {
		delete(r.feeds, f.key)
	}
}

// Streams devolve o estado de cada stream do catálogo.
func (r *Relay) Streams() []StreamStatus {
	counts := r.sessions.Counts()

	states := make(map[string][]core.SourceState)
	r.mu.Lock()
	for _, f := range r.feeds {
		states[f.stream] = append(states[f.stream], f.handle.State())
	}
	r.mu.Unlock()

	var out []StreamStatus
	for _, cfg := range r.streams.All() {
		st := StreamStatus{
			Name:    cfg.Name,
			Kind:    cfg.Kind,
			Policy:  cfg.EffectivePolicy(),
			Viewers: counts[cfg.Name],
			Sources: states[cfg.Name],
		}
		if st.Sources == nil {
			st.Sources = []core.SourceState{}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Viewers retorna quantos viewers estão anexados no total.
func (r *Relay) Viewers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Close desconecta todos os viewers e fecha todas as fontes.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	feeds := make([]*feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.mu.Unlock()

	for _, f := range feeds {
		for _, v := range f.shutdown(ErrRelayClosed) {
			r.forget(v)
		}
		f.markClosed()
		_ = f.handle.Close()
		<-f.done
	}
	r.cancel()
	log.Printf("[relay] encerrado (%d fontes fechadas)", len(feeds))
}

// feed é uma fonte aberta e os viewers que ela alimenta.
type feed struct {
	key    string
	stream string
	handle source.Handle

	// mu protege viewers e closed; todo envio e fechamento de canal de
	// viewer acontece com mu travado.
	mu      sync.Mutex
	viewers map[string]*Viewer
	closed  bool

	done chan struct{}
}

func (f *feed) add(v *Viewer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	v.feed = f
	v.contentType = f.handle.ContentType()
	f.viewers[v.ID] = v
	return true
}

func (f *feed) remove(v *Viewer, reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.viewers, v.ID)
	v.finish(reason)
}

// broadcast entrega o chunk sem bloquear; viewers com fila cheia são
// removidos e devolvidos.
func (f *feed) broadcast(chunk []byte) []*Viewer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var evicted []*Viewer
	for id, v := range f.viewers {
		select {
		case v.ch <- chunk:
		default:
			delete(f.viewers, id)
			v.finish(ErrSlowViewer)
			evicted = append(evicted, v)
		}
	}
	return evicted
}

// shutdown fecha todos os viewers com reason e marca a feed como fechada.
func (f *feed) shutdown(reason error) []*Viewer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	out := make([]*Viewer, 0, len(f.viewers))
	for id, v := range f.viewers {
		delete(f.viewers, id)
		v.finish(reason)
		out = append(out, v)
	}
	return out
}

func (f *feed) idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && len(f.viewers) == 0
}

// markClosed fecha a feed se ela estiver ociosa; true se esta chamada fechou.
func (f *feed) markClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if len(f.viewers) > 0 {
		return false
	}
	f.closed = true
	return true
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[relay] valor inválido em %s=%q, usando default %d", key, v, def)
		return def
	}
	return n
}
