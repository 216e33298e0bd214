// Package alerts é o barramento de alertas: publish serializado, persistência
// no log e fan-out para os assinantes conectados.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/cam-console/internal/alertlog"
	"github.com/sua-org/cam-console/internal/core"
	"github.com/sua-org/cam-console/internal/registry"
	"github.com/sua-org/cam-console/internal/storage"
)

const (
	defaultSubscriberBuffer = 64
	subscribersGroup        = "alerts"
)

// Dispatcher recebe cada alerta aceito para notificação assíncrona.
type Dispatcher interface {
	Dispatch(evt core.AlertEvent)
}

// Subscriber é um assinante do barramento (ex.: um dashboard via WebSocket).
type Subscriber struct {
	ID    string
	Since time.Time

	ch      chan core.AlertEvent
	dropped atomic.Uint64
}

// Events entrega os alertas publicados enquanto o assinante estiver ativo.
// Fechado no Unsubscribe. Os eventos são compartilhados entre assinantes e
// não devem ser alterados.
func (s *Subscriber) Events() <-chan core.AlertEvent { return s.ch }

// Dropped conta alertas perdidos por fila cheia.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

type Options struct {
	// SubscriberBuffer é a capacidade da fila de cada assinante.
	SubscriberBuffer int
	// Notifier recebe os alertas aceitos; pode ser nil.
	Notifier Dispatcher
	// Snapshots guarda o snapshot_b64 dos alertas; pode ser nil.
	Snapshots storage.ImageStore
	// SnapshotTimeout limita o upload de cada snapshot.
	SnapshotTimeout time.Duration
}

// OptionsFromEnv lê ALERT_SUBSCRIBER_BUFFER e SNAPSHOT_UPLOAD_TIMEOUT_SECONDS.
func OptionsFromEnv() Options {
	return Options{
		SubscriberBuffer: envInt("ALERT_SUBSCRIBER_BUFFER", defaultSubscriberBuffer),
		SnapshotTimeout:  time.Duration(envInt("SNAPSHOT_UPLOAD_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

type Bus struct {
	log  *alertlog.Log
	subs *registry.Table[*Subscriber]
	opts Options
	now  func() time.Time

	// mu serializa publish, subscribe e unsubscribe: todo envio e todo
	// fechamento de canal de assinante acontece com mu travado.
	mu     sync.Mutex
	closed bool
}

func NewBus(l *alertlog.Log, subs *registry.Table[*Subscriber], opts Options) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 10 * time.Second
	}
	if subs == nil {
		subs = registry.New[*Subscriber]()
	}
	if l == nil {
		l = alertlog.New("")
	}
	return &Bus{log: l, subs: subs, opts: opts, now: time.Now}
}

// DecodeAlert valida um alerta vindo de produtor (HTTP, WebSocket, MQTT).
func DecodeAlert(data []byte) (core.AlertEvent, error) {
	var evt core.AlertEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return core.AlertEvent{}, fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}
	if strings.TrimSpace(evt.Message) == "" {
		return core.AlertEvent{}, fmt.Errorf("%w: message obrigatória", ErrInvalidAlert)
	}
	return evt, nil
}

// Publish aceita o alerta: atribui id e timestamp se ausentes, grava no log,
// entrega a todos os assinantes atuais (em ordem de publish) e dispara os
// notifiers. Falha de persistência é devolvida envolvendo
// alertlog.ErrPersistenceUnavailable, mas a entrega acontece mesmo assim.
func (b *Bus) Publish(ctx context.Context, evt core.AlertEvent) (core.AlertEvent, error) {
	if strings.TrimSpace(evt.Message) == "" {
		return core.AlertEvent{}, fmt.Errorf("%w: message obrigatória", ErrInvalidAlert)
	}
	evt = evt.Clone()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	// upload fora do lock: não segura os outros publishers
	b.storeSnapshot(ctx, &evt)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return core.AlertEvent{}, ErrBusClosed
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}

	var persistErr error
	if err := b.log.Append(evt); err != nil {
		log.Printf("[alerts] aviso: alerta %s não persistido: %v", evt.ID, err)
		persistErr = err
	}

	for _, e := range b.subs.Snapshot(subscribersGroup) {
		s := e.Session
		select {
		case s.ch <- evt:
		default:
			n := s.dropped.Add(1)
			log.Printf("[alerts] assinante %s com fila cheia, alerta %s descartado (descartados=%d)", s.ID, evt.ID, n)
		}
	}

	if b.opts.Notifier != nil {
		b.opts.Notifier.Dispatch(evt)
	}

	log.Printf("[alerts] alerta %s publicado: %q", evt.ID, evt.Message)
	return evt, persistErr
}

// storeSnapshot troca snapshot_b64 por snapshot_url. Sem store, ou em falha,
// o blob é descartado e só fica o log.
func (b *Bus) storeSnapshot(ctx context.Context, evt *core.AlertEvent) {
	raw, ok := evt.Payload["snapshot_b64"]
	if !ok {
		return
	}
	delete(evt.Payload, "snapshot_b64")

	s, _ := raw.(string)
	if s == "" {
		return
	}
	if b.opts.Snapshots == nil {
		log.Printf("[alerts] alerta %s com snapshot, mas store desabilitado (descartando)", evt.ID)
		return
	}

	data, contentType, err := decodeSnapshot(s)
	if err != nil {
		log.Printf("[alerts] alerta %s: snapshot inválido: %v", evt.ID, err)
		return
	}

	at := evt.Timestamp
	if at.IsZero() {
		at = b.now()
	}
	key := storage.SnapshotKey(evt.Source(), evt.ID, at, contentType)

	ctx, cancel := context.WithTimeout(ctx, b.opts.SnapshotTimeout)
	defer cancel()
	url, err := b.opts.Snapshots.SaveSnapshot(ctx, key, data, contentType)
	if err != nil {
		log.Printf("[alerts] alerta %s: falha no upload do snapshot: %v", evt.ID, err)
		return
	}
	evt.Payload["snapshot_url"] = url
}

// Subscribe registra um assinante; ele só recebe alertas publicados daqui em diante.
func (b *Bus) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Subscriber{
		ID:    uuid.NewString(),
		Since: b.now().UTC(),
		ch:    make(chan core.AlertEvent, b.opts.SubscriberBuffer),
	}
	b.subs.Put(subscribersGroup, s.ID, s)
	log.Printf("[alerts] assinante %s conectado (%d ativos)", s.ID, b.subs.Len(subscribersGroup))
	return s, nil
}

// Unsubscribe remove o assinante e fecha seu canal. Idempotente.
func (b *Bus) Unsubscribe(s *Subscriber) bool {
	if s == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs.Delete(subscribersGroup, s.ID); !ok {
		return false
	}
	close(s.ch)
	log.Printf("[alerts] assinante %s desconectado (%d ativos)", s.ID, b.subs.Len(subscribersGroup))
	return true
}

// History devolve todo o histórico, do mais novo para o mais antigo.
func (b *Bus) History() []core.AlertEvent {
	return b.log.Newest()
}

// Total é o tamanho do histórico.
func (b *Bus) Total() int {
	return b.log.Len()
}

func (b *Bus) Subscribers() int {
	return b.subs.Len(subscribersGroup)
}

// Close desconecta todos os assinantes; publish seguinte devolve ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, e := range b.subs.Snapshot(subscribersGroup) {
		b.subs.Delete(subscribersGroup, e.ID)
		close(e.Session.ch)
	}
}

// IsPersistenceError informa se err é só falha de gravação do log.
func IsPersistenceError(err error) bool {
	return errors.Is(err, alertlog.ErrPersistenceUnavailable)
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[alerts] valor inválido em %s=%q, usando default %d", key, v, def)
		return def
	}
	return n
}
