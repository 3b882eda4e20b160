package p2p

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"anti_vpn/pkg/utils"
)

const (
	mdnsServiceTag    = "_anti-vpn._udp"
	connectTimeout    = 10 * time.Second
	rediscoveryPeriod = time.Minute
)

// parseBootstrapAddrs converts multiaddr strings to peer info.
func parseBootstrapAddrs(addrs []string) ([]peer.AddrInfo, error) {
	peers := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %s: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %s: %w", addr, err)
		}
		peers = append(peers, *info)
	}
	return peers, nil
}

// connectBootstrap dials every bootstrap peer, retrying each with backoff.
func connectBootstrap(ctx context.Context, h host.Host, peers []peer.AddrInfo, logger *zap.Logger) {
	for _, p := range peers {
		p := p
		utils.SafeGo(logger, func() {
			err := utils.RetryWithBackoff(ctx, func() error {
				dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
				defer cancel()
				return h.Connect(dialCtx, p)
			}, utils.DefaultRetryConfig())
			if err != nil {
				logger.Warn("Failed to connect to bootstrap peer",
					zap.Stringer("peer", p.ID), zap.Error(err))
				return
			}
			logger.Info("Connected to bootstrap peer", zap.Stringer("peer", p.ID))
		})
	}
}

// mdnsNotifee connects to peers found on the local network.
type mdnsNotifee struct {
	ctx    context.Context
	host   host.Host
	logger *zap.Logger
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, info); err != nil {
			n.logger.Debug("Failed to connect to discovered peer",
				zap.Stringer("peer", info.ID), zap.Error(err))
			return
		}
		n.logger.Debug("Connected to discovered peer", zap.Stringer("peer", info.ID))
	}()
}

func startMDNS(ctx context.Context, h host.Host, logger *zap.Logger) (mdns.Service, error) {
	svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{ctx: ctx, host: h, logger: logger})
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("starting mdns: %w", err)
	}
	logger.Info("MDNS discovery started", zap.String("service_tag", mdnsServiceTag))
	return svc, nil
}

// startDHT joins the Kademlia DHT, advertises the topic as a rendezvous
// point and periodically connects to other nodes advertising it.
func startDHT(ctx context.Context, h host.Host, topic string, bootstrap []peer.AddrInfo, logger *zap.Logger) (*dht.IpfsDHT, error) {
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.BootstrapPeers(bootstrap...))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		_ = kadDHT.Close()
		return nil, fmt.Errorf("bootstrapping DHT: %w", err)
	}

	rd := drouting.NewRoutingDiscovery(kadDHT)
	dutil.Advertise(ctx, rd, topic)

	go func() {
		ticker := time.NewTicker(rediscoveryPeriod)
		defer ticker.Stop()
		for {
			findPeers(ctx, h, rd, topic, logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	logger.Info("DHT discovery started")
	return kadDHT, nil
}

func findPeers(ctx context.Context, h host.Host, rd *drouting.RoutingDiscovery, topic string, logger *zap.Logger) {
	peers, err := rd.FindPeers(ctx, topic)
	if err != nil {
		logger.Debug("DHT peer lookup failed", zap.Error(err))
		return
	}
	for p := range peers {
		if p.ID == h.ID() || len(p.Addrs) == 0 {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := h.Connect(dialCtx, p); err != nil {
			logger.Debug("Failed to connect to DHT peer", zap.Stringer("peer", p.ID), zap.Error(err))
		}
		cancel()
	}
}
