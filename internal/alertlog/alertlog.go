// Package alertlog mantém o histórico de alertas, em ordem de chegada,
// persistido como um único arquivo JSON (array) reescrito a cada append.
package alertlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/sua-org/cam-console/internal/core"
)

const DefaultPath = "alerts.json"

type Log struct {
	path string

	mu     sync.RWMutex
	events []core.AlertEvent
}

// NewFromEnv usa ALERTS_FILE (default alerts.json). ALERTS_FILE=- desliga a
// persistência.
func NewFromEnv() *Log {
	path := os.Getenv("ALERTS_FILE")
	switch path {
	case "":
		path = DefaultPath
	case "-":
		path = ""
	}
	return New(path)
}

// New cria o log no caminho dado; path vazio = só memória.
func New(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

// Load lê o arquivo persistido. Arquivo ausente ou inválido resulta em log
// vazio e um aviso; nunca impede a subida.
func (l *Log) Load() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = nil
	if l.path == "" {
		return
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[alertlog] %s não existe, iniciando histórico vazio", l.path)
		} else {
			log.Printf("[alertlog] aviso: falha lendo %s: %v (histórico vazio)", l.path, err)
		}
		return
	}

	var events []core.AlertEvent
	if err := json.Unmarshal(data, &events); err != nil {
		log.Printf("[alertlog] aviso: %s inválido: %v (histórico vazio)", l.path, err)
		return
	}
	l.events = events
	log.Printf("[alertlog] %d alertas carregados de %s", len(events), l.path)
}

// Append adiciona o evento e regrava o arquivo inteiro. Em falha de escrita o
// evento fica na memória e o erro envolve ErrPersistenceUnavailable.
func (l *Log) Append(evt core.AlertEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt.Clone())
	if l.path == "" {
		return nil
	}
	if err := writeAtomic(l.path, l.events); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// ReadAll devolve uma cópia do histórico em ordem de inserção.
func (l *Log) ReadAll() []core.AlertEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.AlertEvent, len(l.events))
	for i, e := range l.events {
		out[i] = e.Clone()
	}
	return out
}

// Newest devolve o histórico do mais novo para o mais antigo.
func (l *Log) Newest() []core.AlertEvent {
	all := l.ReadAll()
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// writeAtomic grava em arquivo temporário no mesmo diretório, faz fsync e
// renomeia por cima do destino.
func writeAtomic(path string, events []core.AlertEvent) error {
	if events == nil {
		events = []core.AlertEvent{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op depois do rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
