package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrServiceClosed = errors.New("service closed")

// LocalBus connects services inside one process. Every frame sent by a
// member is encoded, then decoded and delivered synchronously to every
// other member.
type LocalBus struct {
	codec *Codec

	mu      sync.RWMutex
	members []*LocalService
}

// NewLocalBus returns an empty bus framing packets with codec.
func NewLocalBus(codec *Codec) *LocalBus {
	if codec == nil {
		codec = NewCodec(nil)
	}
	return &LocalBus{codec: codec}
}

// Join attaches a receiver to the bus as a service with the given name.
func (b *LocalBus) Join(name string, r Receiver) *LocalService {
	s := &LocalService{name: name, bus: b, receiver: r}
	b.mu.Lock()
	b.members = append(b.members, s)
	b.mu.Unlock()
	return s
}

func (b *LocalBus) leave(s *LocalService) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m == s {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}

func (b *LocalBus) publish(ctx context.Context, sender *LocalService, frame []byte) error {
	b.mu.RLock()
	targets := make([]*LocalService, 0, len(b.members))
	for _, m := range b.members {
		if m != sender {
			targets = append(targets, m)
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		id, p, err := b.codec.Decode(frame)
		if err != nil {
			return err
		}
		t.receiver.HandlePacket(ctx, id, p, t.name)
	}
	return nil
}

// LocalService is one node's attachment to a LocalBus.
type LocalService struct {
	name     string
	bus      *LocalBus
	receiver Receiver

	mu     sync.Mutex
	closed bool
}

func (s *LocalService) Name() string { return s.name }

// Send publishes the packet to every other member of the bus.
func (s *LocalService) Send(ctx context.Context, id uuid.UUID, p Packet) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServiceClosed
	}

	frame, err := s.bus.codec.Encode(id, p)
	if err != nil {
		return err
	}
	return s.bus.publish(ctx, s, frame)
}

// Close detaches the service from the bus.
func (s *LocalService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.bus.leave(s)
	}
	return nil
}
