package alerts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/cam-console/internal/alertlog"
	"github.com/sua-org/cam-console/internal/core"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *alertlog.Log) {
	t.Helper()
	l := alertlog.New(filepath.Join(t.TempDir(), "alerts.json"))
	l.Load()
	return NewBus(l, nil, opts), l
}

func next(t *testing.T, s *Subscriber) core.AlertEvent {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		if !ok {
			t.Fatalf("assinante %s fechado", s.ID)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout esperando alerta no assinante %s", s.ID)
	}
	return core.AlertEvent{}
}

func TestPublishOrderAcrossSubscribers(t *testing.T) {
	b, l := newTestBus(t, Options{SubscriberBuffer: 100})
	s1, _ := b.Subscribe()
	s2, _ := b.Subscribe()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := b.Publish(context.Background(), core.AlertEvent{Message: fmt.Sprintf("Camera 1 evento %d", i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	all := l.ReadAll()
	if len(all) != n {
		t.Fatalf("log com %d alertas, esperava %d", len(all), n)
	}
	for i := 0; i < n; i++ {
		e1, e2 := next(t, s1), next(t, s2)
		if e1.ID != all[i].ID || e2.ID != all[i].ID {
			t.Fatalf("posição %d: s1=%s s2=%s log=%s", i, e1.ID, e2.ID, all[i].ID)
		}
	}
}

func TestConcurrentPublishSameOrderEverywhere(t *testing.T) {
	b, l := newTestBus(t, Options{SubscriberBuffer: 500})
	s1, _ := b.Subscribe()
	s2, _ := b.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Publish(context.Background(), core.AlertEvent{Message: fmt.Sprintf("Camera %d #%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	all := l.ReadAll()
	if len(all) != 100 {
		t.Fatalf("esperava 100 alertas, veio %d", len(all))
	}
	for i := range all {
		if a, c := next(t, s1), next(t, s2); a.ID != all[i].ID || c.ID != all[i].ID {
			t.Fatalf("ordem divergente na posição %d", i)
		}
	}
}

func TestLateSubscriberOnlySeesHistory(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	first, _ := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1 antes"})

	late, _ := b.Subscribe()
	second, _ := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1 depois"})

	if got := next(t, late); got.ID != second.ID {
		t.Fatalf("assinante tardio recebeu %s, esperava só %s", got.ID, second.ID)
	}
	select {
	case evt := <-late.Events():
		t.Fatalf("alerta extra entregue: %+v", evt)
	default:
	}

	hist := b.History()
	if len(hist) != 2 || hist[0].ID != second.ID || hist[1].ID != first.ID {
		t.Fatalf("histórico deveria vir do mais novo para o mais antigo")
	}
}

func TestTimestampAssignedOnceAndShared(t *testing.T) {
	b, l := newTestBus(t, Options{})
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	s1, _ := b.Subscribe()
	s2, _ := b.Subscribe()
	stored, err := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 2 pessoa"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !stored.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp atribuído: %v", stored.Timestamp)
	}
	e1, e2 := next(t, s1), next(t, s2)
	if !e1.Timestamp.Equal(fixed) || !e2.Timestamp.Equal(fixed) || !l.ReadAll()[0].Timestamp.Equal(fixed) {
		t.Fatalf("timestamp deveria ser idêntico em assinantes e log")
	}
	if stored.ID == "" || e1.ID != stored.ID {
		t.Fatalf("id deveria ser atribuído uma vez: %q %q", stored.ID, e1.ID)
	}
}

func TestProducerTimestampPreserved(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	stored, _ := b.Publish(context.Background(), core.AlertEvent{ID: "meu-id", Message: "Camera 1", Timestamp: ts})
	if !stored.Timestamp.Equal(ts) || stored.ID != "meu-id" {
		t.Fatalf("timestamp/id do produtor não podem ser sobrescritos: %+v", stored)
	}
}

func TestPersistenceFailureStillDelivers(t *testing.T) {
	l := alertlog.New(filepath.Join(t.TempDir(), "sem-dir", "alerts.json"))
	b := NewBus(l, nil, Options{})
	s, _ := b.Subscribe()

	stored, err := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1"})
	if !IsPersistenceError(err) {
		t.Fatalf("esperava erro de persistência, veio %v", err)
	}
	if got := next(t, s); got.ID != stored.ID {
		t.Fatalf("entrega deveria acontecer mesmo sem persistência")
	}
	if len(b.History()) != 1 {
		t.Fatalf("alerta deveria ficar na memória")
	}
}

func TestFullSubscriberQueueDropsOnlyForIt(t *testing.T) {
	b, _ := newTestBus(t, Options{SubscriberBuffer: 1})
	slow, _ := b.Subscribe()

	b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1 a"})
	b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1 b"})
	if slow.Dropped() != 1 {
		t.Fatalf("esperava 1 descartado, veio %d", slow.Dropped())
	}
	if got := next(t, slow); got.Message != "Camera 1 a" {
		t.Fatalf("primeiro alerta deveria ficar na fila: %q", got.Message)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("fila cheia não desconecta o assinante")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	s, _ := b.Subscribe()
	if !b.Unsubscribe(s) {
		t.Fatalf("unsubscribe falhou")
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("canal deveria estar fechado")
	}
	if b.Unsubscribe(s) {
		t.Fatalf("segundo unsubscribe deveria devolver false")
	}
	// publish depois não entra em pânico com canal fechado
	if _, err := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPublishRejectsEmptyMessage(t *testing.T) {
	b, l := newTestBus(t, Options{})
	if _, err := b.Publish(context.Background(), core.AlertEvent{Message: "  "}); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("esperava ErrInvalidAlert, veio %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("alerta inválido não pode ser gravado")
	}
}

func TestCloseRejectsAndDisconnects(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	s, _ := b.Subscribe()
	b.Close()
	if _, ok := <-s.Events(); ok {
		t.Fatalf("Close deveria fechar os assinantes")
	}
	if _, err := b.Publish(context.Background(), core.AlertEvent{Message: "x"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("esperava ErrBusClosed, veio %v", err)
	}
	if _, err := b.Subscribe(); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("esperava ErrBusClosed no subscribe, veio %v", err)
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(evt core.AlertEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, evt.ID)
}

func TestNotifierDispatched(t *testing.T) {
	d := &recordingDispatcher{}
	b, _ := newTestBus(t, Options{Notifier: d})
	stored, _ := b.Publish(context.Background(), core.AlertEvent{Message: "Camera 1"})
	if len(d.ids) != 1 || d.ids[0] != stored.ID {
		t.Fatalf("notifier deveria receber o alerta: %v", d.ids)
	}
}

type fakeStore struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (s *fakeStore) SaveSnapshot(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.key, s.data, s.contentType = key, data, contentType
	return "http://minio/snaps/" + key, nil
}

func TestSnapshotUploadedAndReplaced(t *testing.T) {
	store := &fakeStore{}
	b, l := newTestBus(t, Options{Snapshots: store})
	img := []byte("\xff\xd8\xff\xe0jpeg")

	stored, err := b.Publish(context.Background(), core.AlertEvent{
		ID:      "abc",
		Message: "Camera 3 pessoa",
		Payload: map[string]interface{}{"snapshot_b64": base64.StdEncoding.EncodeToString(img)},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := stored.Payload["snapshot_b64"]; ok {
		t.Fatalf("snapshot_b64 não pode ficar no alerta")
	}
	url, _ := stored.Payload["snapshot_url"].(string)
	if !strings.HasSuffix(url, "/3/abc.jpg") {
		t.Fatalf("snapshot_url inesperada: %q", url)
	}
	if string(store.data) != string(img) || store.contentType != "image/jpeg" {
		t.Fatalf("upload inesperado: %q %s", store.data, store.contentType)
	}
	if _, ok := l.ReadAll()[0].Payload["snapshot_b64"]; ok {
		t.Fatalf("log não pode guardar o blob")
	}
}

func TestSnapshotFailureDropsBlob(t *testing.T) {
	b, _ := newTestBus(t, Options{Snapshots: &fakeStore{err: errors.New("minio fora")}})
	stored, err := b.Publish(context.Background(), core.AlertEvent{
		Message: "Camera 1",
		Payload: map[string]interface{}{"snapshot_b64": "aGVsbG8="},
	})
	if err != nil {
		t.Fatalf("falha no upload não pode falhar o publish: %v", err)
	}
	if _, ok := stored.Payload["snapshot_b64"]; ok {
		t.Fatalf("blob deveria ser descartado")
	}
	if _, ok := stored.Payload["snapshot_url"]; ok {
		t.Fatalf("sem upload não há url")
	}
}

func TestDecodeAlert(t *testing.T) {
	evt, err := DecodeAlert([]byte(`{"message":"Camera 1 pessoa","score":0.9}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Message != "Camera 1 pessoa" || evt.Payload["score"] != 0.9 {
		t.Fatalf("alerta inesperado: %+v", evt)
	}

	for _, bad := range []string{`{`, `{"score":1}`, `{"message":"x","timestamp":"ontem"}`, `[]`} {
		if _, err := DecodeAlert([]byte(bad)); !errors.Is(err, ErrInvalidAlert) {
			t.Fatalf("%s: esperava ErrInvalidAlert, veio %v", bad, err)
		}
	}
}

func TestDecodeSnapshotDataURI(t *testing.T) {
	data, ct, err := decodeSnapshot("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png!")))
	if err != nil || string(data) != "png!" || ct != "image/png" {
		t.Fatalf("data URI: %q %q %v", data, ct, err)
	}
	if _, _, err := decodeSnapshot("%%%"); err == nil {
		t.Fatalf("base64 inválido deveria falhar")
	}
}
