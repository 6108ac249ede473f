package factory

import (
	"fmt"

	"github.com/google/uuid"
)

// ServerHandle is an opaque single-owner reference to a server.
type ServerHandle struct {
	id      uuid.UUID
	factory uuid.UUID
}

// IsZero reports whether h is the empty handle returned on failure.
func (h ServerHandle) IsZero() bool { return h.id == uuid.Nil }

func (h ServerHandle) String() string {
	if h.IsZero() {
		return "server:none"
	}
	return fmt.Sprintf("server:%s", h.id)
}

// ClientHandle is an opaque single-owner reference to a client.
type ClientHandle struct {
	id      uuid.UUID
	factory uuid.UUID
}

// IsZero reports whether h is the empty handle returned on failure.
func (h ClientHandle) IsZero() bool { return h.id == uuid.Nil }

func (h ClientHandle) String() string {
	if h.IsZero() {
		return "client:none"
	}
	return fmt.Sprintf("client:%s", h.id)
}

// registry maps handle ids to the endpoints the factory owns. It is only
// touched from the I/O loop.
type registry[E any] struct {
	entries map[uuid.UUID]E
}

func newRegistry[E any]() *registry[E] {
	return &registry[E]{entries: make(map[uuid.UUID]E)}
}

func (r *registry[E]) add(e E) uuid.UUID {
	id := uuid.New()
	r.entries[id] = e
	return id
}

func (r *registry[E]) get(id uuid.UUID) (E, bool) {
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry[E]) take(id uuid.UUID) (E, bool) {
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

func (r *registry[E]) drain() map[uuid.UUID]E {
	all := r.entries
	r.entries = make(map[uuid.UUID]E)
	return all
}

func (r *registry[E]) len() int { return len(r.entries) }
