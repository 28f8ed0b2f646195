// internal/p2p/node.go

// Package p2p runs the signaling bus over libp2p GossipSub. Peers on the
// same LAN find each other over mDNS; WAN peers are reached through the
// configured bootstrap and relay addresses.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Dial failures and backoff errors are noise on a LAN.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("pubsub", "warn")
}

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	// Bootstrap peers are full multiaddrs including /p2p/<id>.
	Bootstrap []string
	// Relays are static circuit relays used when direct dials fail.
	Relays []string
}

// Node is a libp2p host plus GossipSub, exposed as a bus.Bus.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*topicRef
	closed bool
}

type topicRef struct {
	t    *pubsub.Topic
	refs int
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err == nil {
		log.Printf("P2P: mdns connected %s", pi.ID)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates and saves a new Ed25519 key.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("multiaddr %q: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("multiaddr %q: %w", s, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

func New(ctx context.Context, o Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", o.KeyFile)
	} else {
		log.Printf("Loaded identity key: %s", o.KeyFile)
	}

	bootstrap, err := parseAddrInfos(o.Bootstrap)
	if err != nil {
		return nil, err
	}
	relays, err := parseAddrInfos(o.Relays)
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)),
	}
	if len(relays) > 0 {
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays(relays,
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
		log.Printf("P2P: relay enabled (%d static relays)", len(relays))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	tag := o.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	for _, ai := range append(bootstrap, relays...) {
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		if err := h.Connect(cctx, ai); err != nil {
			log.Printf("P2P: bootstrap %s unreachable: %v", ai.ID, err)
		}
		cancel()
	}

	log.Printf("P2P: node %s listening on %v", h.ID(), h.Addrs())
	return &Node{Host: h, ps: ps, mdns: md, topics: make(map[string]*topicRef)}, nil
}

func (n *Node) ID() string { return n.Host.ID().String() }

// join returns the shared topic handle, joining on first use. GossipSub
// refuses a second Join of the same topic.
func (n *Node) join(topic string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, bus.ErrClosed
	}
	if ref, ok := n.topics[topic]; ok {
		ref.refs++
		return ref.t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	n.topics[topic] = &topicRef{t: t, refs: 1}
	return t, nil
}

func (n *Node) release(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.topics[topic]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(n.topics, topic)
	if err := ref.t.Close(); err != nil {
		log.Printf("P2P: close topic %s: %v", topic, err)
	}
}

// Subscribe is active as soon as it returns: GossipSub delivers locally
// published messages to local subscriptions without a round trip.
func (n *Node) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	t, err := n.join(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		n.release(topic)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		node:   n,
		topic:  topic,
		sub:    sub,
		out:    make(chan []byte, bus.QueueSize),
		cancel: cancel,
	}
	go s.pump(sctx)
	return s, nil
}

func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.join(topic)
	if err != nil {
		return err
	}
	defer n.release(topic)
	return t.Publish(ctx, data)
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	_ = n.mdns.Close()
	return n.Host.Close()
}

type subscription struct {
	node   *Node
	topic  string
	sub    *pubsub.Subscription
	out    chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		select {
		case s.out <- msg.Data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.sub.Cancel()
		s.cancel()
		s.node.release(s.topic)
	})
	return nil
}
