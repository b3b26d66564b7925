// Package cid manages connection identifiers on the relay: cryptographically
// random generation and the alias table that lets a connection stay reachable
// across periodic identifier rotation.
package cid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// DefaultLen is the connection identifier length in bytes.
	DefaultLen = 8

	// RotationInterval is how often each connection gets a fresh alias.
	RotationInterval = 5 * time.Minute
)

var (
	// ErrUnknownConnection is returned when an alias operation names a
	// connection the table has never seen or has already purged.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrAliasCollision is returned when a freshly generated identifier is
	// already present in the table. With 64-bit random ids this signals a
	// broken entropy source, not bad luck.
	ErrAliasCollision = errors.New("connection id collision")
)

// Generator produces connection identifiers from crypto/rand. It satisfies
// the QUIC transport's ConnectionIDGenerator interface.
type Generator struct {
	len int
}

// NewGenerator returns a generator for n-byte identifiers. n outside the
// QUIC-permitted 4..18 range falls back to DefaultLen.
func NewGenerator(n int) *Generator {
	if n < 4 || n > 18 {
		n = DefaultLen
	}
	return &Generator{len: n}
}

// GenerateConnectionID returns a fresh random identifier.
func (g *Generator) GenerateConnectionID() (quic.ConnectionID, error) {
	b := make([]byte, g.len)
	if _, err := rand.Read(b); err != nil {
		return quic.ConnectionID{}, fmt.Errorf("generating connection id: %w", err)
	}
	return quic.ConnectionIDFromBytes(b), nil
}

// ConnectionIDLen returns the identifier length this generator produces.
func (g *Generator) ConnectionIDLen() int {
	return g.len
}

// aliasKey is the map key form of a connection id.
type aliasKey string

func keyOf(id quic.ConnectionID) aliasKey {
	return aliasKey(id.Bytes())
}

type entry struct {
	conn    string
	current quic.ConnectionID
	// prior is retained until the peer acknowledges the rotation. Zero-length
	// means no rotation is in flight.
	prior quic.ConnectionID
}

// AliasTable maps every valid connection identifier, current or rotating-out,
// to its owning connection. Safe for concurrent use.
type AliasTable struct {
	gen *Generator

	mu      sync.Mutex
	byAlias map[aliasKey]*entry
	byConn  map[string]*entry
}

// NewAliasTable returns an empty table using gen for rotations.
func NewAliasTable(gen *Generator) *AliasTable {
	return &AliasTable{
		gen:     gen,
		byAlias: make(map[aliasKey]*entry),
		byConn:  make(map[string]*entry),
	}
}

// Add registers a connection under its initial identifier.
func (t *AliasTable) Add(conn string, id quic.ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byAlias[keyOf(id)]; exists {
		return fmt.Errorf("%w: %s", ErrAliasCollision, hex.EncodeToString(id.Bytes()))
	}

	e := &entry{conn: conn, current: id}
	t.byAlias[keyOf(id)] = e
	t.byConn[conn] = e
	return nil
}

// Lookup resolves an identifier to its owning connection.
func (t *AliasTable) Lookup(id quic.ConnectionID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byAlias[keyOf(id)]
	if !ok {
		return "", false
	}
	return e.conn, true
}

// Rotate assigns the connection a fresh identifier. The prior identifier
// stays valid until Acknowledge or Remove, so resolution never has a gap.
// An unacknowledged earlier rotation is finalized first: at most two aliases
// are live per connection.
func (t *AliasTable) Rotate(conn string) (quic.ConnectionID, error) {
	next, err := t.gen.GenerateConnectionID()
	if err != nil {
		return quic.ConnectionID{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byConn[conn]
	if !ok {
		return quic.ConnectionID{}, fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	if _, exists := t.byAlias[keyOf(next)]; exists {
		return quic.ConnectionID{}, fmt.Errorf("%w: %s", ErrAliasCollision, hex.EncodeToString(next.Bytes()))
	}

	if e.prior.Len() > 0 {
		delete(t.byAlias, keyOf(e.prior))
	}
	e.prior = e.current
	e.current = next
	t.byAlias[keyOf(next)] = e
	return next, nil
}

// Acknowledge purges the rotating-out identifier after the peer has switched
// to the current one. A no-op when no rotation is in flight.
func (t *AliasTable) Acknowledge(conn string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byConn[conn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	if e.prior.Len() > 0 {
		delete(t.byAlias, keyOf(e.prior))
		e.prior = quic.ConnectionID{}
	}
	return nil
}

// Remove purges every identifier belonging to the connection.
func (t *AliasTable) Remove(conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byConn[conn]
	if !ok {
		return
	}
	delete(t.byAlias, keyOf(e.current))
	if e.prior.Len() > 0 {
		delete(t.byAlias, keyOf(e.prior))
	}
	delete(t.byConn, conn)
}

// Aliases returns the number of identifiers currently resolving.
func (t *AliasTable) Aliases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAlias)
}

// Connections returns the number of tracked connections.
func (t *AliasTable) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn)
}
