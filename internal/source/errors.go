package source

import "errors"

var (
	// ErrUpstreamUnreachable: não foi possível iniciar o encoder ou alcançar o dispositivo remoto.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrSourceFailed: a fonte falhou no meio do stream (encoder saiu, conexão caiu).
	ErrSourceFailed = errors.New("source failed")
	// ErrUnsupportedKind: tipo de stream sem adaptador.
	ErrUnsupportedKind = errors.New("unsupported stream kind")
)
