package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sua-org/cam-console/internal/core"
)

const (
	defaultOutputFormat = "mpjpeg"
	defaultQuality      = 5
	defaultFrameRate    = 15
	defaultBoundary     = "frame"
)

// LocalCapture é uma câmera local re-encodada por um processo externo (ffmpeg).
// O stdout do processo é o fluxo multipart; stderr só vira log.
type LocalCapture struct {
	name  string
	cmd   *exec.Cmd
	out   *io.PipeReader
	ctype string

	cancel  context.CancelFunc
	state   stateBox
	closing atomic.Bool
	done    chan struct{}

	closeOnce sync.Once
}

// EncoderArgs monta a linha de comando do encoder:
// device, formato de saída, qualidade, frame rate e boundary multipart.
func EncoderArgs(cfg core.StreamConfig) []string {
	cfg = withEncoderDefaults(cfg)

	args := []string{"-loglevel", "error"}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	args = append(args,
		"-i", cfg.Device,
		"-f", cfg.OutputFormat,
		"-q:v", strconv.Itoa(cfg.Quality),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-boundary_tag", cfg.Boundary,
		"-",
	)
	return args
}

// LocalContentType é o content-type fixo servido para streams locais.
func LocalContentType(cfg core.StreamConfig) string {
	return "multipart/x-mixed-replace; boundary=" + withEncoderDefaults(cfg).Boundary
}

func withEncoderDefaults(cfg core.StreamConfig) core.StreamConfig {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.Quality <= 0 {
		cfg.Quality = defaultQuality
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaultFrameRate
	}
	if cfg.Boundary == "" {
		cfg.Boundary = defaultBoundary
	}
	return cfg
}

// StartLocalCapture sobe o encoder para o stream. O processo vive até Close
// ou até ctx ser cancelado; em ambos os casos recebe SIGINT e só é morto à
// força se não sair dentro de grace.
func StartLocalCapture(ctx context.Context, cfg core.StreamConfig, command string, grace time.Duration) (*LocalCapture, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("%w: stream %s sem device configurado", ErrUpstreamUnreachable, cfg.Name)
	}
	return startProcess(ctx, cfg.Name, LocalContentType(cfg), command, EncoderArgs(cfg), grace)
}

func startProcess(ctx context.Context, name, contentType, command string, args []string, grace time.Duration) (*LocalCapture, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = &stderrLogger{stream: name}

	lc := &LocalCapture{
		name:   name,
		cmd:    cmd,
		out:    pr,
		ctype:  contentType,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	lc.state.set(core.SourceStateStarting)

	if err := cmd.Start(); err != nil {
		cancel()
		lc.state.set(core.SourceStateFailed)
		return nil, fmt.Errorf("%w: start encoder %s: %v", ErrUpstreamUnreachable, command, err)
	}

	log.Printf("[source] encoder iniciado para stream %s (pid=%d)", name, cmd.Process.Pid)
	go lc.waitForExit(pw)
	return lc, nil
}

func (lc *LocalCapture) waitForExit(pw *io.PipeWriter) {
	defer close(lc.done)

	err := lc.cmd.Wait()
	if lc.closing.Load() {
		lc.state.set(core.SourceStateStopped)
		log.Printf("[source] encoder do stream %s encerrado", lc.name)
		_ = pw.Close()
		return
	}

	lc.state.set(core.SourceStateFailed)
	if err != nil {
		log.Printf("[source] encoder do stream %s saiu com erro: %v", lc.name, err)
		_ = pw.CloseWithError(fmt.Errorf("%w: encoder exited: %v", ErrSourceFailed, err))
		return
	}
	log.Printf("[source] encoder do stream %s saiu inesperadamente", lc.name)
	_ = pw.CloseWithError(fmt.Errorf("%w: encoder exited", ErrSourceFailed))
}

func (lc *LocalCapture) Read(p []byte) (int, error) {
	n, err := lc.out.Read(p)
	if n > 0 {
		lc.state.promote()
	}
	return n, err
}

func (lc *LocalCapture) ContentType() string { return lc.ctype }

func (lc *LocalCapture) State() core.SourceState { return lc.state.get() }

// Pid do encoder, para métricas.
func (lc *LocalCapture) Pid() int {
	if lc.cmd.Process == nil {
		return 0
	}
	return lc.cmd.Process.Pid
}

// Close interrompe o encoder (SIGINT) e espera a saída.
func (lc *LocalCapture) Close() error {
	lc.closeOnce.Do(func() {
		lc.closing.Store(true)
		lc.cancel()
		// libera a goroutine de cópia do exec caso ninguém esteja lendo
		_ = lc.out.Close()
	})
	<-lc.done
	return nil
}

// stderrLogger loga cada linha do stderr do encoder como aviso.
type stderrLogger struct {
	stream string
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// linha incompleta: devolve para o buffer
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		if s := strings.TrimSpace(line); s != "" {
			log.Printf("[source] aviso encoder %s: %s", l.stream, s)
		}
	}
	return len(p), nil
}
