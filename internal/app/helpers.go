// internal/app/helpers.go

package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/huddle/internal/config"
)

// NormalizeLocalViewer pins the control API to loopback. Wildcard or empty
// hosts become 127.0.0.1; explicit hosts are kept.
func NormalizeLocalViewer(cfgAddr string) (addr, url string) {
	a := strings.TrimSpace(cfgAddr)
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return a, "http://" + a
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr = net.JoinHostPort(host, port)
	return addr, "http://" + addr
}

// WaitTCP polls addr until something accepts or ctx ends.
func WaitTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return c.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-t.C:
		}
	}
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Println("────────────────────────────────────────")
	log.Println("huddle peer")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" User id     : %s", cfg.Identity.UserID)
	if cfg.Identity.DisplayName != "" {
		log.Printf(" Name        : %s", cfg.Identity.DisplayName)
	}
	log.Printf(" Signaling   : %s", cfg.Bus.Kind)
	log.Println("────────────────────────────────────────")
}
