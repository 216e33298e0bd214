package relay

import "errors"

var (
	// ErrUnknownStream: nome de stream fora do catálogo.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrSlowViewer: viewer não drenou o buffer a tempo e foi desconectado.
	ErrSlowViewer = errors.New("viewer too slow, disconnected")
	// ErrRelayClosed: relay em shutdown.
	ErrRelayClosed = errors.New("relay closed")
)
