// Package pairing tracks which connections are talking to each other and
// forwards signaling payloads between them.
package pairing

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoPartner is returned when a connection has no partner.
	ErrNoPartner = errors.New("pairing: no partner")
	// ErrAlreadyPaired is returned by Pair when either side already has a partner.
	ErrAlreadyPaired = errors.New("pairing: already paired")
	// ErrSelfPair is returned by Pair when both sides are the same connection.
	ErrSelfPair = errors.New("pairing: cannot pair a connection with itself")
)

// Table is a symmetric partner map: if a -> b is stored then b -> a is too,
// and every connection has at most one partner.
type Table struct {
	mu       sync.RWMutex
	partners map[string]string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{partners: make(map[string]string)}
}

// Pair records a and b as partners.
func (t *Table) Pair(a, b string) error {
	if a == b {
		return fmt.Errorf("pairing: pair %s: %w", a, ErrSelfPair)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.partners[a]; ok {
		return fmt.Errorf("pairing: pair %s (partner %s): %w", a, p, ErrAlreadyPaired)
	}
	if p, ok := t.partners[b]; ok {
		return fmt.Errorf("pairing: pair %s (partner %s): %w", b, p, ErrAlreadyPaired)
	}
	t.partners[a] = b
	t.partners[b] = a
	return nil
}

// Unpair removes a's partnership in both directions and returns the former
// partner. ok is false if a was not paired.
func (t *Table) Unpair(a string) (partner string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	partner, ok = t.partners[a]
	if !ok {
		return "", false
	}
	delete(t.partners, a)
	if t.partners[partner] == a {
		delete(t.partners, partner)
	}
	return partner, true
}

// PartnerOf returns a's partner.
func (t *Table) PartnerOf(a string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partners[a]
	return p, ok
}

// Len returns the number of partnerships.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partners) / 2
}
