package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/source"
)

type fakeStreams map[string]core.StreamConfig

func (s fakeStreams) Lookup(name string) (core.StreamConfig, bool) {
	cfg, ok := s[name]
	return cfg, ok
}

func (s fakeStreams) All() []core.StreamConfig {
	out := make([]core.StreamConfig, 0, len(s))
	for _, cfg := range s {
		out = append(out, cfg)
	}
	return out
}

func testStreams() fakeStreams {
	return fakeStreams{
		"1": {Name: "1", Kind: core.StreamKindLocal, Device: "video=cam"},
		"2": {Name: "2", Kind: core.StreamKindRemote, URL: "http://cam/video"},
		"3": {Name: "3", Kind: core.StreamKindRemote, URL: "http://cam/video", Policy: core.SharePolicyIsolated},
	}
}

// fakeHandle entrega o que for escrito em feed até Close ou fail.
type fakeHandle struct {
	name   string
	data   chan []byte
	closed chan struct{}
	once   sync.Once
	fail   chan error

	mu    sync.Mutex
	state core.SourceState
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{
		name:   name,
		data:   make(chan []byte, 16),
		closed: make(chan struct{}),
		fail:   make(chan error, 1),
		state:  core.SourceStateStarting,
	}
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	select {
	case b := <-h.data:
		h.setState(core.SourceStateStreaming)
		return copy(p, b), nil
	case err := <-h.fail:
		h.setState(core.SourceStateFailed)
		return 0, err
	case <-h.closed:
		h.setState(core.SourceStateStopped)
		return 0, io.EOF
	}
}

func (h *fakeHandle) setState(s core.SourceState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *fakeHandle) ContentType() string { return "multipart/x-mixed-replace; boundary=frame" }

func (h *fakeHandle) State() core.SourceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	// prefill já fica na fonte no momento do Open (corpo HTTP bufferizado)
	prefill [][]byte
}

func (o *fakeOpener) Open(_ context.Context, cfg core.StreamConfig) (source.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	h := newFakeHandle(cfg.Name)
	for _, b := range o.prefill {
		h.data <- b
	}
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) opened() []*fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeHandle(nil), o.handles...)
}

func recv(t *testing.T, v *Viewer) []byte {
	t.Helper()
	select {
	case b, ok := <-v.Chunks():
		if !ok {
			t.Fatalf("viewer %s fechado: %v", v.ID, v.Err())
		}
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout esperando chunk no viewer %s", v.ID)
	}
	return nil
}

func waitClosed(t *testing.T, v *Viewer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-v.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("viewer %s não foi fechado", v.ID)
		}
	}
}

func TestAttachUnknownStreamOpensNothing(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	_, err := r.Attach(context.Background(), "99")
	if !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("esperava ErrUnknownStream, veio %v", err)
	}
	if n := len(op.opened()); n != 0 {
		t.Fatalf("nenhuma fonte deveria ser aberta, abriu %d", n)
	}
}

func TestAttachPropagatesOpenError(t *testing.T) {
	op := &fakeOpener{err: source.ErrUpstreamUnreachable}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	if _, err := r.Attach(context.Background(), "2"); !errors.Is(err, source.ErrUpstreamUnreachable) {
		t.Fatalf("esperava ErrUpstreamUnreachable, veio %v", err)
	}
	if r.Viewers() != 0 {
		t.Fatalf("viewer não deveria ficar registrado")
	}
}

// Fonte com bytes prontos no Open: o primeiro viewer recebe C1 e o attach
// nunca falha por a fonte ter sido liberada antes dele entrar.
func TestAttachSourceWithDataReadyAtOpen(t *testing.T) {
	for _, name := range []string{"1", "2", "3"} {
		op := &fakeOpener{prefill: [][]byte{[]byte("C1")}}
		r := New(testStreams(), op, nil, Options{})

		for i := 0; i < 2000; i++ {
			v, err := r.Attach(context.Background(), name)
			if err != nil {
				t.Fatalf("stream %s, iteração %d: attach falhou com fonte saudável: %v", name, i, err)
			}
			if got := recv(t, v); !bytes.Equal(got, []byte("C1")) {
				t.Fatalf("stream %s, iteração %d: primeiro chunk %q, esperava C1", name, i, got)
			}
			if !r.Detach(v.ID) {
				t.Fatalf("stream %s, iteração %d: detach não achou o viewer", name, i)
			}
		}

		for _, h := range op.opened() {
			if !h.isClosed() {
				t.Fatalf("stream %s: fonte ficou aberta sem viewers", name)
			}
		}
		if r.Viewers() != 0 {
			t.Fatalf("stream %s: %d viewers restantes", name, r.Viewers())
		}
		r.Close()
	}
}

// V1 e V2 no stream local: cada um tem sua fonte; o detach de V1 só para a de V1.
func TestLocalStreamIsolatedDetach(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	v1, err := r.Attach(context.Background(), "1")
	if err != nil {
		t.Fatalf("attach v1: %v", err)
	}
	v2, err := r.Attach(context.Background(), "1")
	if err != nil {
		t.Fatalf("attach v2: %v", err)
	}

	hs := op.opened()
	if len(hs) != 2 {
		t.Fatalf("esperava 2 fontes (uma por viewer), veio %d", len(hs))
	}
	if v1.ContentType() != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("content-type inesperado: %q", v1.ContentType())
	}

	hs[0].data <- []byte("a")
	hs[1].data <- []byte("b")
	if got := recv(t, v1); string(got) != "a" {
		t.Fatalf("v1 recebeu %q", got)
	}
	if got := recv(t, v2); string(got) != "b" {
		t.Fatalf("v2 recebeu %q", got)
	}

	if !r.Detach(v1.ID) {
		t.Fatalf("detach v1 falhou")
	}
	// detach é síncrono: a fonte de V1 já está fechada no retorno
	if !hs[0].isClosed() {
		t.Fatalf("fonte de v1 deveria estar fechada")
	}
	if hs[1].isClosed() {
		t.Fatalf("fonte de v2 não deveria ser afetada")
	}
	if v1.Err() != nil {
		t.Fatalf("detach normal não deveria ter erro: %v", v1.Err())
	}

	hs[1].data <- []byte("c")
	if got := recv(t, v2); string(got) != "c" {
		t.Fatalf("v2 recebeu %q depois do detach de v1", got)
	}
	if r.Detach(v1.ID) {
		t.Fatalf("segundo detach deveria devolver false")
	}
}

func TestRemoteStreamSharedSource(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	v1, _ := r.Attach(context.Background(), "2")
	v2, _ := r.Attach(context.Background(), "2")
	hs := op.opened()
	if len(hs) != 1 {
		t.Fatalf("stream remoto deveria compartilhar a fonte, abriu %d", len(hs))
	}

	hs[0].data <- []byte("x")
	if string(recv(t, v1)) != "x" || string(recv(t, v2)) != "x" {
		t.Fatalf("os dois viewers deveriam receber o mesmo chunk")
	}

	r.Detach(v1.ID)
	if hs[0].isClosed() {
		t.Fatalf("fonte compartilhada não pode fechar com viewer restante")
	}
	hs[0].data <- []byte("y")
	if string(recv(t, v2)) != "y" {
		t.Fatalf("v2 deveria continuar recebendo")
	}

	r.Detach(v2.ID)
	if !hs[0].isClosed() {
		t.Fatalf("último detach deveria fechar a fonte compartilhada")
	}

	// novo attach abre uma fonte nova
	v3, err := r.Attach(context.Background(), "2")
	if err != nil {
		t.Fatalf("attach v3: %v", err)
	}
	defer r.Detach(v3.ID)
	if n := len(op.opened()); n != 2 {
		t.Fatalf("esperava nova fonte, total %d", n)
	}
}

func TestRemoteIsolatedPolicy(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	r.Attach(context.Background(), "3")
	r.Attach(context.Background(), "3")
	if n := len(op.opened()); n != 2 {
		t.Fatalf("policy isolated deveria abrir uma fonte por viewer, abriu %d", n)
	}
}

func TestChunkOrderPerViewer(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{BufferChunks: 256})
	defer r.Close()

	v1, _ := r.Attach(context.Background(), "2")
	v2, _ := r.Attach(context.Background(), "2")
	h := op.opened()[0]

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			h.data <- []byte{byte(i)}
		}
	}()

	for _, v := range []*Viewer{v1, v2} {
		var got []byte
		for len(got) < n {
			got = append(got, recv(t, v)...)
		}
		for i := 0; i < n; i++ {
			if got[i] != byte(i) {
				t.Fatalf("viewer %s fora de ordem na posição %d: %d", v.ID, i, got[i])
			}
		}
	}
}

func TestSlowViewerEvicted(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{BufferChunks: 2})
	defer r.Close()

	slow, _ := r.Attach(context.Background(), "2")
	fast, _ := r.Attach(context.Background(), "2")
	h := op.opened()[0]

	// fast drena tudo; slow nunca lê
	for i := 0; i < 5; i++ {
		h.data <- []byte{byte(i)}
		if got := recv(t, fast); got[0] != byte(i) {
			t.Fatalf("fast recebeu %d, esperava %d", got[0], i)
		}
	}

	waitClosed(t, slow)
	if !errors.Is(slow.Err(), ErrSlowViewer) {
		t.Fatalf("esperava ErrSlowViewer, veio %v", slow.Err())
	}
	if h.isClosed() {
		t.Fatalf("fonte não pode fechar por causa do viewer lento")
	}
	if r.Detach(slow.ID) {
		t.Fatalf("viewer lento já deveria ter sido removido")
	}
	if r.Viewers() != 1 {
		t.Fatalf("esperava 1 viewer, veio %d", r.Viewers())
	}
}

func TestSourceFailureClosesViewers(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	v, _ := r.Attach(context.Background(), "2")
	h := op.opened()[0]
	h.fail <- io.ErrUnexpectedEOF

	waitClosed(t, v)
	if !errors.Is(v.Err(), source.ErrSourceFailed) {
		t.Fatalf("esperava ErrSourceFailed, veio %v", v.Err())
	}

	// a próxima conexão abre uma fonte nova
	v2, err := r.Attach(context.Background(), "2")
	if err != nil {
		t.Fatalf("attach depois da falha: %v", err)
	}
	defer r.Detach(v2.ID)
	if n := len(op.opened()); n != 2 {
		t.Fatalf("esperava reabertura da fonte, total %d", n)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{BufferChunks: 1024})
	defer r.Close()

	stay, _ := r.Attach(context.Background(), "2")
	h := op.opened()[0]

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Attach(context.Background(), "2")
			if err != nil {
				t.Errorf("attach: %v", err)
				return
			}
			r.Detach(v.ID)
		}()
	}

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			h.data <- []byte{byte(i)}
		}
	}()
	wg.Wait()

	var got []byte
	for len(got) < n {
		got = append(got, recv(t, stay)...)
	}
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(i)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("viewer estável perdeu ou reordenou chunks: %v", got)
	}
}

func TestStreamsStatus(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	r.Attach(context.Background(), "2")
	r.Attach(context.Background(), "2")

	st := r.Streams()
	if len(st) != 3 {
		t.Fatalf("esperava 3 streams, veio %d", len(st))
	}
	if st[0].Name != "1" || st[0].Policy != core.SharePolicyIsolated || st[0].Viewers != 0 {
		t.Fatalf("status do stream 1 inesperado: %+v", st[0])
	}
	if st[1].Name != "2" || st[1].Viewers != 2 || len(st[1].Sources) != 1 {
		t.Fatalf("status do stream 2 inesperado: %+v", st[1])
	}
}

func TestCloseDetachesEverything(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})

	v1, _ := r.Attach(context.Background(), "1")
	v2, _ := r.Attach(context.Background(), "2")
	r.Close()

	waitClosed(t, v1)
	waitClosed(t, v2)
	for _, h := range op.opened() {
		if !h.isClosed() {
			t.Fatalf("fonte %s ficou aberta", h.name)
		}
	}
	if _, err := r.Attach(context.Background(), "2"); !errors.Is(err, ErrRelayClosed) {
		t.Fatalf("esperava ErrRelayClosed, veio %v", err)
	}
}

type bufSink struct {
	bytes.Buffer
	flushes int
}

func (s *bufSink) Flush() { s.flushes++ }

func TestViewerCopyTo(t *testing.T) {
	op := &fakeOpener{}
	r := New(testStreams(), op, nil, Options{})
	defer r.Close()

	v, _ := r.Attach(context.Background(), "2")
	h := op.opened()[0]
	h.data <- []byte("--frame\r\n")
	h.data <- []byte("jpeg")

	sink := &bufSink{}
	done := make(chan error, 1)
	go func() { done <- v.CopyTo(context.Background(), sink) }()

	time.Sleep(100 * time.Millisecond)
	r.Detach(v.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CopyTo: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CopyTo não retornou depois do detach")
	}
	if sink.String() != "--frame\r\njpeg" {
		t.Fatalf("sink recebeu %q", sink.String())
	}
	if sink.flushes != 2 {
		t.Fatalf("esperava 2 flushes, veio %d", sink.flushes)
	}
}
