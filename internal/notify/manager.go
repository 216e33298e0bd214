package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sua-org/cam-console/internal/core"
)

const defaultQueueSize = 256

type Manager struct {
	notifiers []Notifier

	// timeout padrão para cada notifier
	perNotifierTimeout time.Duration

	queue   chan core.AlertEvent
	dropped atomic.Uint64
}

func NewManager(notifiers []Notifier, perNotifierTimeout time.Duration, queueSize int) *Manager {
	if perNotifierTimeout <= 0 {
		perNotifierTimeout = 5 * time.Second
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	// remove nils e notifiers desabilitados
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil || !n.Enabled() {
			continue
		}
		filtered = append(filtered, n)
	}
	return &Manager{
		notifiers:          filtered,
		perNotifierTimeout: perNotifierTimeout,
		queue:              make(chan core.AlertEvent, queueSize),
	}
}

func (m *Manager) Enabled() bool {
	return m != nil && len(m.notifiers) > 0
}

func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		out = append(out, n.Name())
	}
	return out
}

func (m *Manager) Has(name string) bool {
	if m == nil {
		return false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range m.notifiers {
		if strings.ToLower(n.Name()) == name {
			return true
		}
	}
	return false
}

// Dispatch enfileira o alerta para os notifiers sem bloquear. Fila cheia
// descarta o alerta (só para notificação) e loga.
func (m *Manager) Dispatch(evt core.AlertEvent) {
	if !m.Enabled() {
		return
	}
	select {
	case m.queue <- evt.Clone():
	default:
		n := m.dropped.Add(1)
		log.Printf("[notify] fila cheia, alerta %s não notificado (descartados=%d)", evt.ID, n)
	}
}

// Dropped conta alertas descartados por fila cheia.
func (m *Manager) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// Run consome a fila até ctx acabar. Os alertas pendentes na fila são
// descartados no shutdown.
func (m *Manager) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	log.Printf("[notify] worker iniciado (%s)", strings.Join(m.Names(), ","))
	for {
		select {
		case <-ctx.Done():
			log.Printf("[notify] worker encerrado (%d pendentes descartados)", len(m.queue))
			return
		case evt := <-m.queue:
			if err := m.NotifyAll(ctx, evt); err != nil {
				log.Printf("[notify] alerta %s: %v", evt.ID, err)
			}
		}
	}
}

// NotifyAll roda todos os notifiers em sequência. Nunca dá panic (recover por
// notifier); o erro devolvido junta as falhas, todas envolvendo
// ErrNotifierFailure.
func (m *Manager) NotifyAll(ctx context.Context, evt core.AlertEvent) error {
	if m == nil || len(m.notifiers) == 0 {
		return nil
	}

	var errs []error
	for _, n := range m.notifiers {
		// timeout por notifier para um webhook lento não segurar os outros
		ctxN, cancel := context.WithTimeout(ctx, m.perNotifierTimeout)
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[notify] panic no notifier %s: %v\n%s", n.Name(), r, string(debug.Stack()))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return n.Notify(ctxN, evt)
		}()
		cancel()

		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrNotifierFailure, n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
