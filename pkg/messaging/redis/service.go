// Package redis carries messaging packets over a redis pub/sub channel.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"anti_vpn/pkg/messaging"
)

// Service publishes packets to a redis channel and hands packets published
// by other nodes to a receiver. A node also receives its own publications;
// the dispatcher drops them as already seen.
type Service struct {
	name     string
	channel  string
	client   *redis.Client
	pubsub   *redis.PubSub
	codec    *messaging.Codec
	receiver messaging.Receiver
	logger   *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New subscribes to channel and starts delivering inbound packets to r.
// The client is owned by the caller.
func New(ctx context.Context, name, channel string, client *redis.Client, codec *messaging.Codec, r messaging.Receiver, logger *zap.Logger) (*Service, error) {
	ps := client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so nothing published after
	// New returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to channel %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Service{
		name:     name,
		channel:  channel,
		client:   client,
		pubsub:   ps,
		codec:    codec,
		receiver: r,
		logger:   logger.Named("redis").With(zap.String("service", name), zap.String("channel", channel)),
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.processMessages(runCtx)
	return s, nil
}

func (s *Service) Name() string { return s.name }

// Send publishes the packet to the channel.
func (s *Service) Send(ctx context.Context, id uuid.UUID, p messaging.Packet) error {
	frame, err := s.codec.Encode(id, p)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, frame).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.channel, err)
	}
	return nil
}

func (s *Service) processMessages(ctx context.Context) {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, p, err := s.codec.Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("Dropping undecodable message", zap.Error(err))
				continue
			}
			s.receiver.HandlePacket(ctx, id, p, s.name)
		}
	}
}

// Close unsubscribes and stops delivery.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}
