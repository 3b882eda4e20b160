package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind  = errors.New("unknown packet kind")
	ErrInvalidFrame = errors.New("invalid frame")
)

// maxBatchDepth bounds MultiPacket nesting accepted from the wire.
const maxBatchDepth = 4

type envelope struct {
	ID     uuid.UUID       `json:"id"`
	Kind   Kind            `json:"kind"`
	Packet json.RawMessage `json:"packet"`
}

type wirePacket struct {
	Kind   Kind            `json:"kind"`
	Packet json.RawMessage `json:"packet"`
}

type multiBody struct {
	Header
	Packets []wirePacket `json:"packets"`
}

// Codec turns packets into frames and back. With a signer, frames are
// signed tokens and unsigned frames are rejected.
type Codec struct {
	signer *Signer
}

// NewCodec returns a codec. A nil signer produces plain JSON frames.
func NewCodec(signer *Signer) *Codec {
	return &Codec{signer: signer}
}

// Encode serializes a packet under the given message id.
func (c *Codec) Encode(id uuid.UUID, p Packet) ([]byte, error) {
	w, err := marshalPacket(p)
	if err != nil {
		return nil, err
	}
	if c.signer != nil {
		token, err := c.signer.Sign(id, w.Kind, w.Packet)
		if err != nil {
			return nil, err
		}
		return []byte(token), nil
	}
	return json.Marshal(envelope{ID: id, Kind: w.Kind, Packet: w.Packet})
}

// Decode parses a frame produced by Encode.
func (c *Codec) Decode(frame []byte) (uuid.UUID, Packet, error) {
	var env envelope
	if c.signer != nil {
		id, kind, body, err := c.signer.Verify(string(frame))
		if err != nil {
			return uuid.Nil, nil, err
		}
		env = envelope{ID: id, Kind: kind, Packet: body}
	} else if err := json.Unmarshal(frame, &env); err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	if env.ID == uuid.Nil {
		return uuid.Nil, nil, fmt.Errorf("%w: missing message id", ErrInvalidFrame)
	}
	p, err := unmarshalPacket(wirePacket{Kind: env.Kind, Packet: env.Packet}, 0)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return env.ID, p, nil
}

func marshalPacket(p Packet) (wirePacket, error) {
	var (
		body []byte
		err  error
	)
	if m, ok := p.(*MultiPacket); ok {
		mb := multiBody{Header: m.Header, Packets: make([]wirePacket, 0, len(m.Packets))}
		for _, inner := range m.Packets {
			w, err := marshalPacket(inner)
			if err != nil {
				return wirePacket{}, err
			}
			mb.Packets = append(mb.Packets, w)
		}
		body, err = json.Marshal(mb)
	} else {
		body, err = json.Marshal(p)
	}
	if err != nil {
		return wirePacket{}, fmt.Errorf("encoding %s packet: %w", p.Kind(), err)
	}
	return wirePacket{Kind: p.Kind(), Packet: body}, nil
}

func unmarshalPacket(w wirePacket, depth int) (Packet, error) {
	var p Packet
	switch w.Kind {
	case KindIP:
		p = &IPPacket{}
	case KindDeleteIP:
		p = &DeleteIPPacket{}
	case KindPlayer:
		p = &PlayerPacket{}
	case KindDeletePlayer:
		p = &DeletePlayerPacket{}
	case KindMulti:
		if depth >= maxBatchDepth {
			return nil, fmt.Errorf("%w: batch nested too deep", ErrInvalidFrame)
		}
		var mb multiBody
		if err := json.Unmarshal(w.Packet, &mb); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		m := &MultiPacket{Header: mb.Header, Packets: make([]Packet, 0, len(mb.Packets))}
		for _, inner := range mb.Packets {
			ip, err := unmarshalPacket(inner, depth+1)
			if err != nil {
				return nil, err
			}
			m.Packets = append(m.Packets, ip)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}

	if err := json.Unmarshal(w.Packet, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return p, nil
}
