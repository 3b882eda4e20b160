// Package p2p carries messaging packets over a libp2p gossipsub topic.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"anti_vpn/pkg/config"
	"anti_vpn/pkg/messaging"
)

// Options configures a Service.
type Options struct {
	Name string
	// ListenAddrs overrides the default TCP listen address built from Port.
	ListenAddrs []string
	config.P2PConfig
}

// Service publishes packets to a gossipsub topic and hands packets from
// other peers to a receiver.
type Service struct {
	name     string
	host     host.Host
	pubsub   *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	codec    *messaging.Codec
	receiver messaging.Receiver
	logger   *zap.Logger

	dht  *dht.IpfsDHT
	mdns mdns.Service

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a libp2p host, joins the topic and starts discovery. Inbound
// packets are passed to r until Close.
func New(ctx context.Context, opts Options, codec *messaging.Codec, r messaging.Receiver, logger *zap.Logger) (*Service, error) {
	if opts.Name == "" {
		opts.Name = config.MessagingP2P
	}
	if opts.Topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	logger = logger.Named("p2p").With(zap.String("service", opts.Name))

	bootstrap, err := parseBootstrapAddrs(opts.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	privKey, err := loadOrGenerateKey(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.Port)}
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listen...),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Service{
		name:     opts.Name,
		host:     h,
		codec:    codec,
		receiver: r,
		logger:   logger,
		cancel:   cancel,
	}

	if err := s.start(runCtx, opts, bootstrap); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) start(runCtx context.Context, opts Options, bootstrap []peer.AddrInfo) error {
	ps, err := pubsub.NewGossipSub(runCtx, s.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	s.pubsub = ps

	s.topic, err = ps.Join(opts.Topic)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", opts.Topic, err)
	}
	s.sub, err = s.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", opts.Topic, err)
	}

	if opts.MDNS {
		if s.mdns, err = startMDNS(runCtx, s.host, s.logger); err != nil {
			return err
		}
	}
	if opts.DHT {
		if s.dht, err = startDHT(runCtx, s.host, opts.Topic, bootstrap, s.logger); err != nil {
			return err
		}
	}
	connectBootstrap(runCtx, s.host, bootstrap, s.logger)

	s.wg.Add(1)
	go s.processTopicMessages(runCtx)

	s.logger.Info("Starting P2P service",
		zap.Stringer("peerID", s.host.ID()),
		zap.Any("listenAddrs", s.host.Addrs()),
		zap.String("topic", opts.Topic))
	return nil
}

func (s *Service) Name() string { return s.name }

// ID returns the peer ID of the host.
func (s *Service) ID() peer.ID { return s.host.ID() }

// Addrs returns the host's full p2p multiaddrs, usable as bootstrap peers.
func (s *Service) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Connect dials a peer directly.
func (s *Service) Connect(ctx context.Context, info peer.AddrInfo) error {
	return s.host.Connect(ctx, info)
}

// Peers returns the peers currently subscribed to the topic.
func (s *Service) Peers() []peer.ID {
	return s.topic.ListPeers()
}

// Send publishes the packet to the topic.
func (s *Service) Send(ctx context.Context, id uuid.UUID, p messaging.Packet) error {
	frame, err := s.codec.Encode(id, p)
	if err != nil {
		return err
	}
	if err := s.topic.Publish(ctx, frame); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// processTopicMessages hands every message from other peers to the receiver.
func (s *Service) processTopicMessages(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			s.logger.Warn("Error reading from subscription", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		id, p, err := s.codec.Decode(msg.Data)
		if err != nil {
			s.logger.Warn("Dropping undecodable message",
				zap.Stringer("peer", msg.ReceivedFrom), zap.Error(err))
			continue
		}
		s.receiver.HandlePacket(ctx, id, p, s.name)
	}
}

// Close stops discovery, leaves the topic and shuts the host down.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Cancel()
		}
		s.wg.Wait()

		if s.topic != nil {
			if cerr := s.topic.Close(); cerr != nil {
				s.logger.Warn("Failed to close topic", zap.Error(cerr))
			}
		}
		if s.mdns != nil {
			_ = s.mdns.Close()
		}
		if s.dht != nil {
			_ = s.dht.Close()
		}
		if cerr := s.host.Close(); cerr != nil {
			err = fmt.Errorf("failed to close libp2p host: %w", cerr)
		}
		s.logger.Info("P2P service stopped")
	})
	return err
}
