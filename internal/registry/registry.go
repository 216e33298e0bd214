// Package registry guarda a contabilidade de sessões ativas (viewers por
// stream, assinantes do barramento de alertas).
package registry

import (
	"sort"
	"sync"
	"time"
)

// Entry é uma sessão registrada.
type Entry[T any] struct {
	ID      string
	Group   string
	Since   time.Time
	Session T

	seq uint64
}

// Table é um mapa grupo -> id -> sessão seguro para uso concorrente.
// Snapshot sempre devolve uma cópia consistente, nunca um conjunto parcial.
type Table[T any] struct {
	mu     sync.RWMutex
	seq    uint64
	groups map[string]map[string]Entry[T]
}

func New[T any]() *Table[T] {
	return &Table[T]{groups: make(map[string]map[string]Entry[T])}
}

// Put registra (ou substitui) a sessão id no grupo.
func (t *Table[T]) Put(group, id string, session T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[group]
	if !ok {
		g = make(map[string]Entry[T])
		t.groups[group] = g
	}
	t.seq++
	g[id] = Entry[T]{ID: id, Group: group, Since: time.Now().UTC(), Session: session, seq: t.seq}
}

// Delete remove a sessão e informa se ela existia. Grupos vazios são descartados.
func (t *Table[T]) Delete(group, id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	g, ok := t.groups[group]
	if !ok {
		return zero, false
	}
	e, ok := g[id]
	if !ok {
		return zero, false
	}
	delete(g, id)
	if len(g) == 0 {
		delete(t.groups, group)
	}
	return e.Session, true
}

func (t *Table[T]) Get(group, id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.groups[group][id]
	return e.Session, ok
}

// Snapshot devolve as sessões do grupo em ordem de registro.
func (t *Table[T]) Snapshot(group string) []Entry[T] {
	t.mu.RLock()
	out := make([]Entry[T], 0, len(t.groups[group]))
	for _, e := range t.groups[group] {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (t *Table[T]) Len(group string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups[group])
}

// Counts retorna o número de sessões por grupo.
func (t *Table[T]) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.groups))
	for name, g := range t.groups {
		out[name] = len(g)
	}
	return out
}
