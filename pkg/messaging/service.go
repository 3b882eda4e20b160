package messaging

import (
	"context"

	"github.com/google/uuid"
)

// Service is a transport carrying packets between nodes.
type Service interface {
	// Name identifies the service; a node's services have distinct names.
	Name() string
	// Send delivers a packet to the peers reachable through the service.
	Send(ctx context.Context, id uuid.UUID, p Packet) error
	Close() error
}

// Receiver accepts packets decoded by a service. from is the name of the
// service that received the packet.
type Receiver interface {
	HandlePacket(ctx context.Context, id uuid.UUID, p Packet, from string)
}
