// Package backplane carries hub broadcasts between server processes.
//
// A process always delivers to its own connections directly; the bus only
// exists so that members attached to other processes see the same events.
// Subscribers therefore ignore envelopes that carry their own node id.
package backplane

import (
	"context"

	"github.com/google/uuid"
)

// Envelope is one fan-out unit. Exactly one of Room or Target is set.
type Envelope struct {
	Origin string `json:"origin"`

	// Room broadcast: every local member of Room except Exclude.
	Room    string    `json:"room,omitempty"`
	Exclude uuid.UUID `json:"exclude,omitempty"`

	// Directed delivery: only Target, and only if it currently belongs to
	// one of AllowedRooms.
	Target       uuid.UUID `json:"target,omitempty"`
	AllowedRooms []string  `json:"allowedRooms,omitempty"`

	Event string `json:"event"`
	// Payload is the encoded event payload. It is carried as bytes (base64
	// on the wire) so relayed signaling payloads arrive byte-for-byte.
	Payload []byte `json:"payload"`
}

// Directed reports whether the envelope targets one connection.
func (e Envelope) Directed() bool { return e.Target != uuid.Nil }

type Handler func(Envelope)

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Subscriber interface {
	// Subscribe delivers envelopes published by other nodes to h until ctx
	// is cancelled or Close is called.
	Subscribe(ctx context.Context, node string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}
