package notify

import (
	"context"

	"github.com/sua-org/cam-console/internal/core"
)

// Notifier é um efeito colateral disparado para cada alerta publicado
// (console, webhook, SMS, espelho MQTT).
//
// Notifiers não participam da entrega aos assinantes: erro ou demora aqui
// nunca bloqueia o publish.
type Notifier interface {
	Name() string
	Enabled() bool
	Notify(ctx context.Context, evt core.AlertEvent) error
}
