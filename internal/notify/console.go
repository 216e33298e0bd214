package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/cam-console/internal/core"
)

// Console imprime o alerta com banner no stdout do processo.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole() *Console { return &Console{out: os.Stdout} }

func (c *Console) Name() string  { return "console" }
func (c *Console) Enabled() bool { return c != nil && c.out != nil }

func (c *Console) Notify(_ context.Context, evt core.AlertEvent) error {
	banner := strings.Repeat("=", 20)
	line := FormatLine(evt)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s ALERT %s\n%s\n%s\n", banner, banner, line, strings.Repeat("=", 47))
	return err
}

// FormatLine é a linha curta usada por console e SMS.
func FormatLine(evt core.AlertEvent) string {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	src := evt.Source()
	if src == "" {
		src = "desconhecida"
	}
	line := fmt.Sprintf("ALERT [%s] Camera: %s | %s", ts.Local().Format("2006-01-02 15:04:05"), src, evt.Message)
	if t, ok := evt.Payload["type"].(string); ok && t != "" {
		line += " | Type: " + strings.ToUpper(t)
	}
	return line
}
