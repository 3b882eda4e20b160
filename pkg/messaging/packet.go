// Package messaging keeps verdict caches and stores converged across nodes.
// Local mutations are queued as packets and flushed to every transport;
// packets received from a transport are deduplicated by message id, applied
// locally and relayed to the remaining transports.
package messaging

import (
	"time"

	"github.com/google/uuid"

	"anti_vpn/pkg/data"
)

// Kind names a packet variant on the wire.
type Kind string

const (
	KindIP           Kind = "ip"
	KindDeleteIP     Kind = "delete_ip"
	KindPlayer       Kind = "player"
	KindDeletePlayer Kind = "delete_player"
	KindMulti        Kind = "multi"
)

// Packet is one of IPPacket, DeleteIPPacket, PlayerPacket,
// DeletePlayerPacket or MultiPacket. The set is closed: the unexported
// method keeps other packages from adding variants.
type Packet interface {
	Kind() Kind
	SenderID() uuid.UUID
	packet()
}

// Header carries the identity of the node that produced a packet.
type Header struct {
	Sender uuid.UUID `json:"sender"`
}

func (h Header) SenderID() uuid.UUID { return h.Sender }

func (Header) packet() {}

// IPPacket upserts an IP verdict.
type IPPacket struct {
	Header
	IP        string         `json:"ip"`
	Algorithm data.Algorithm `json:"algorithm"`
	Cascade   *bool          `json:"cascade,omitempty"`
	Consensus *float64       `json:"consensus,omitempty"`
}

// DeleteIPPacket removes an IP verdict.
type DeleteIPPacket struct {
	Header
	IP string `json:"ip"`
}

// PlayerPacket upserts a player verdict.
type PlayerPacket struct {
	Header
	Player  uuid.UUID `json:"player"`
	Flagged bool      `json:"flagged"`
}

// DeletePlayerPacket removes a player verdict.
type DeletePlayerPacket struct {
	Header
	Player uuid.UUID `json:"player"`
}

// MultiPacket batches packets under a single message id. Elements are
// applied in order.
type MultiPacket struct {
	Header
	Packets []Packet `json:"-"`
}

func (*IPPacket) Kind() Kind           { return KindIP }
func (*DeleteIPPacket) Kind() Kind     { return KindDeleteIP }
func (*PlayerPacket) Kind() Kind       { return KindPlayer }
func (*DeletePlayerPacket) Kind() Kind { return KindDeletePlayer }
func (*MultiPacket) Kind() Kind        { return KindMulti }

// NewIPPacket builds an upsert packet from a verdict.
func NewIPPacket(sender uuid.UUID, v *data.IPVerdict) *IPPacket {
	return &IPPacket{
		Header:    Header{Sender: sender},
		IP:        v.IP,
		Algorithm: v.Algorithm,
		Cascade:   v.Cascade,
		Consensus: v.Consensus,
	}
}

// Verdict returns the verdict carried by the packet, stamped now.
func (p *IPPacket) Verdict() *data.IPVerdict {
	now := time.Now()
	v := &data.IPVerdict{
		IP:        p.IP,
		Algorithm: p.Algorithm,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Cascade != nil {
		b := *p.Cascade
		v.Cascade = &b
	}
	if p.Consensus != nil {
		f := *p.Consensus
		v.Consensus = &f
	}
	return v
}

// NewPlayerPacket builds an upsert packet from a player verdict.
func NewPlayerPacket(sender uuid.UUID, v *data.PlayerVerdict) *PlayerPacket {
	return &PlayerPacket{
		Header:  Header{Sender: sender},
		Player:  v.Player,
		Flagged: v.Flagged,
	}
}

// Verdict returns the verdict carried by the packet, stamped now.
func (p *PlayerPacket) Verdict() *data.PlayerVerdict {
	return data.NewPlayerVerdict(p.Player, p.Flagged)
}
