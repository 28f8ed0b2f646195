// internal/app/bus.go

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/bus/redisbus"
	"github.com/petervdpas/huddle/internal/bus/wsbus"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/p2p"
	"github.com/petervdpas/huddle/internal/relay"
	"github.com/petervdpas/huddle/internal/util"
)

// openBus connects the signaling transport selected by bus.kind.
func openBus(ctx context.Context, cfg config.Config, peerDir string) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusMemory, "":
		return bus.NewMemory(), nil

	case config.BusRedis:
		r := cfg.Bus.Redis
		cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		defer cancel()
		rb, err := redisbus.New(cctx, redisbus.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return rb, nil

	case config.BusP2P:
		p := cfg.Bus.P2P
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: p.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			MdnsTag:    p.MdnsTag,
			Bootstrap:  p.Bootstrap,
			Relays:     p.Relays,
		})
		if err != nil {
			return nil, err
		}
		return node, nil

	case config.BusRelay:
		ttl := time.Duration(cfg.Relay.TokenTTLMin) * time.Minute
		if ttl <= 0 {
			ttl = 12 * time.Hour
		}
		token, err := relay.IssueToken(cfg.Bus.Relay.Secret, cfg.Identity.UserID, ttl)
		if err != nil {
			return nil, fmt.Errorf("relay token: %w", err)
		}
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		wb, err := wsbus.Dial(cctx, cfg.Bus.Relay.URL, token)
		if err != nil {
			return nil, err
		}
		return wb, nil
	}
	return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
}
