package alertlog

import "errors"

// ErrPersistenceUnavailable: o arquivo do log não pôde ser gravado.
// O evento continua na memória e a entrega segue normalmente.
var ErrPersistenceUnavailable = errors.New("alert log persistence unavailable")
