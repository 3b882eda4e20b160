package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anti_vpn/pkg/data"
)

// QueueIP queues an IP verdict upsert for the next flush.
func (d *Dispatcher) QueueIP(v *data.IPVerdict) {
	d.Queue(NewIPPacket(d.serverID, v))
}

// QueueIPDelete queues an IP verdict deletion for the next flush.
func (d *Dispatcher) QueueIPDelete(ip string) {
	d.Queue(&DeleteIPPacket{Header: Header{Sender: d.serverID}, IP: ip})
}

// QueuePlayer queues a player verdict upsert for the next flush.
func (d *Dispatcher) QueuePlayer(v *data.PlayerVerdict) {
	d.Queue(NewPlayerPacket(d.serverID, v))
}

// QueuePlayerDelete queues a player verdict deletion for the next flush.
func (d *Dispatcher) QueuePlayerDelete(id uuid.UUID) {
	d.Queue(&DeletePlayerPacket{Header: Header{Sender: d.serverID}, Player: id})
}

// Queue hands a packet to the outbound queue. It never blocks on the network.
func (d *Dispatcher) Queue(p Packet) {
	d.queueMu.Lock()
	d.queue = append(d.queue, p)
	d.queueMu.Unlock()
}

// Pending returns the number of queued packets.
func (d *Dispatcher) Pending() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

// Flush sends queued packets to every service: a single packet as is,
// several as one MultiPacket. It returns the message id used, or uuid.Nil
// when nothing was queued.
func (d *Dispatcher) Flush(ctx context.Context) uuid.UUID {
	d.queueMu.Lock()
	pending := d.queue
	d.queue = nil
	d.queueMu.Unlock()

	if len(pending) == 0 {
		return uuid.Nil
	}

	var p Packet
	if len(pending) == 1 {
		p = pending[0]
	} else {
		p = &MultiPacket{Header: Header{Sender: d.serverID}, Packets: pending}
	}

	id := uuid.New()
	d.MarkSeen(id)
	d.relay(ctx, id, p, "")
	return id
}

// Run flushes the queue every flush interval until ctx is done, then
// flushes once more.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			d.Flush(ctx)
		}
	}
}

// relay sends a packet to every service except the one named from.
func (d *Dispatcher) relay(ctx context.Context, id uuid.UUID, p Packet, from string) {
	d.mu.RLock()
	services := make([]Service, 0, len(d.services))
	for _, s := range d.services {
		if s.Name() != from {
			services = append(services, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range services {
		if err := s.Send(ctx, id, p); err != nil {
			d.logger.Warn("Failed to send packet",
				zap.String("service", s.Name()),
				zap.Stringer("id", id),
				zap.Error(err))
			continue
		}
		d.metrics.PacketsSent.With("service", s.Name()).Add(1)
	}
}

// Close closes every registered service.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	services := d.services
	d.services = nil
	d.mu.Unlock()

	var firstErr error
	for _, s := range services {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
