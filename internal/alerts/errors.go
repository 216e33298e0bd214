package alerts

import "errors"

var (
	// ErrInvalidAlert: JSON malformado, timestamp inválido ou message vazia.
	ErrInvalidAlert = errors.New("invalid alert")
	// ErrBusClosed: publish/subscribe depois do shutdown.
	ErrBusClosed = errors.New("alert bus closed")
)
