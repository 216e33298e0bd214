package relay

import (
	"context"
	"sync"
	"time"
)

// Viewer é uma sessão de saída anexada a um stream. O relay é dono do viewer
// enquanto ele estiver anexado; a conexão em si pertence ao transporte.
type Viewer struct {
	ID         string
	Stream     string
	AttachedAt time.Time

	contentType string
	ch          chan []byte
	feed        *feed

	once sync.Once
	err  error
}

func newViewer(id, stream string, buffer int) *Viewer {
	return &Viewer{
		ID:         id,
		Stream:     stream,
		AttachedAt: time.Now().UTC(),
		ch:         make(chan []byte, buffer),
	}
}

// Chunks entrega os bytes do stream, na ordem lida da fonte. O canal é
// fechado no detach, na falha da fonte ou quando o viewer fica lento demais.
func (v *Viewer) Chunks() <-chan []byte { return v.ch }

// ContentType a ser enviado ao cliente.
func (v *Viewer) ContentType() string { return v.contentType }

// Err informa por que Chunks foi fechado (nil em detach normal).
// Só é válido depois que Chunks foi fechado.
func (v *Viewer) Err() error { return v.err }

// finish fecha o viewer; sempre chamado com feed.mu travado.
func (v *Viewer) finish(err error) {
	v.once.Do(func() {
		v.err = err
		close(v.ch)
	})
}

// Sink é o destino dos bytes de um viewer (ex.: http.ResponseWriter).
type Sink interface {
	Write(p []byte) (int, error)
	Flush()
}

// CopyTo drena o viewer para o sink até ctx acabar, o viewer ser fechado ou
// a escrita falhar.
func (v *Viewer) CopyTo(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-v.ch:
			if !ok {
				return v.Err()
			}
			if _, err := sink.Write(chunk); err != nil {
				return err
			}
			sink.Flush()
		}
	}
}
