package pairing

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/protocol"
)

// Sender delivers an encoded frame to a live connection. The WebSocket
// server's connection manager implements it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Relay forwards signaling payloads to the sender's partner. It never
// inspects the payload beyond tagging it with the sender.
type Relay struct {
	table  *Table
	sender Sender
	log    zerolog.Logger
}

// NewRelay creates a relay over table that delivers through sender.
func NewRelay(table *Table, sender Sender) *Relay {
	return &Relay{
		table:  table,
		sender: sender,
		log:    logging.Component("relay"),
	}
}

// Forward sends payload to from's partner as a signal event with "from" set
// to the sender. Returns the partner ID, or ErrNoPartner if from is unpaired.
func (r *Relay) Forward(from string, payload map[string]json.RawMessage) (string, error) {
	partner, ok := r.table.PartnerOf(from)
	if !ok {
		r.log.Warn().Str("conn", from).Msg("signal dropped: sender has no partner")
		return "", ErrNoPartner
	}

	data, err := protocol.NewSignalMessage(payload, from)
	if err != nil {
		return partner, fmt.Errorf("pairing: forward: %w", err)
	}
	if err := r.sender.SendMessage(partner, data); err != nil {
		return partner, fmt.Errorf("pairing: forward to %s: %w", partner, err)
	}

	r.log.Debug().Str("conn", from).Str("partner", partner).Msg("signal forwarded")
	return partner, nil
}
