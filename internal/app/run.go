// Package app wires a peer (or a relay) together from its config.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/bus/redisbus"
	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/identity"
	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/relay"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signaling"
	"github.com/petervdpas/huddle/internal/sound"
	"github.com/petervdpas/huddle/internal/storage"
	"github.com/petervdpas/huddle/internal/util"
	"github.com/petervdpas/huddle/internal/viewer"
)

type Options struct {
	PeerDir  string
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
}

// Run starts a peer and blocks until ctx is canceled.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	if opt.Cfg.Viewer.Debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	logBanner(opt.PeerDir, opt.CfgPath, opt.Cfg)
	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg

	progress := o.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}
	step, total := 0, 5
	if cfg.Viewer.HTTPAddr != "" {
		total++
	}

	step++
	progress(step, total, "Opening database")
	db, err := storage.Open(util.ResolvePath(o.PeerDir, cfg.Storage.DBDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	self := proto.Participant{ID: cfg.Identity.UserID, Username: cfg.Identity.DisplayName}
	if self.Username != "" {
		if err := db.UpsertProfile(self.ID, self.Username); err != nil {
			log.Printf("WARNING: store own profile: %v", err)
		}
	}
	dir := identity.NewCache(self, db)

	step++
	progress(step, total, "Connecting signaling")
	b, err := openBus(ctx, cfg, o.PeerDir)
	if err != nil {
		return fmt.Errorf("signaling bus: %w", err)
	}
	defer b.Close()
	sig := signaling.New(b, self.ID)
	defer sig.Close()

	step++
	progress(step, total, "Preparing media")
	src, err := mediaSource(cfg.Media)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	ropts := rtc.Options{
		ICEServers: cfg.ICE.STUNServers,
		UDPPortMin: uint16(cfg.ICE.UDPPortMin),
		UDPPortMax: uint16(cfg.ICE.UDPPortMax),
	}
	if cs, ok := src.(media.CodecSource); ok {
		ropts.Codecs = cs.Populate
	}
	factory, err := rtc.NewPionFactory(ropts)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	step++
	progress(step, total, "Opening sound output")
	player := sound.Silent()
	if cfg.Sound.Enabled {
		player = sound.New(sound.NewDevice(), cfg.Sound.SampleRate)
		if err := player.Init(); err != nil {
			log.Printf("SOUND: %v", err)
		}
	}
	defer player.Dispose()

	step++
	progress(step, total, "Starting call manager")
	recordDir := ""
	if cfg.Media.RecordDir != "" {
		recordDir = util.ResolvePath(o.PeerDir, cfg.Media.RecordDir)
	}
	mgr, err := call.New(ctx, call.Options{
		Signal:             sig,
		Media:              media.NewManager(src),
		Peers:              factory,
		Directory:          dir,
		Tone:               player,
		RecordDir:          recordDir,
		NegotiationTimeout: time.Duration(cfg.Call.NegotiationTimeoutSec) * time.Second,
		MaxParticipants:    cfg.Call.MaxParticipants,
		VideoDefault:       cfg.Media.VideoDefault,
		PresenceInterval:   time.Duration(cfg.Call.PresenceIntervalSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if o.CfgPath != "" {
		w, err := config.Watch(o.CfgPath, func(r config.Reloadable) {
			factory.SetICEServers(r.STUNServers)
			mgr.SetNegotiationTimeout(r.NegotiationTimeout)
			mgr.SetMaxParticipants(r.MaxParticipants)
		})
		if err != nil {
			log.Printf("CONFIG: not watching %s: %v", o.CfgPath, err)
		} else {
			defer w.Close()
		}
	}

	if cfg.Viewer.HTTPAddr != "" {
		step++
		progress(step, total, "Starting viewer")
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Calls:   mgr,
				Logs:    logs,
				Gesture: player.Unlock,
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := WaitTCP(wctx, addr); err != nil {
			log.Printf("VIEWER: %v", err)
		} else {
			log.Printf("📋 Control API: %s", url)
		}
		cancel()
	}

	log.Printf("PEER: %s ready on %s signaling", self.Label(), cfg.Bus.Kind)
	<-ctx.Done()
	log.Println("PEER: shutting down")
	return nil
}

func mediaSource(m config.Media) (media.Source, error) {
	if m.Synthetic {
		log.Printf("MEDIA: synthetic capture (silence, blank camera)")
		return &media.StaticSource{}, nil
	}
	src, err := media.NewDeviceSource(m.VideoBitrate, m.Width, m.Height)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// RunRelay serves the websocket signaling relay until ctx is canceled.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if !cfg.Viewer.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	var backplane bus.Bus
	if cfg.Relay.BackplaneRedis != "" {
		cctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		rb, err := redisbus.New(cctx, redisbus.Options{
			Addr:     cfg.Relay.BackplaneRedis,
			Password: cfg.Bus.Redis.Password,
			Prefix:   cfg.Bus.Redis.Prefix,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("relay backplane: %w", err)
		}
		defer rb.Close()
		backplane = rb
	}

	srv, err := relay.NewServer(relay.Options{
		Addr:      cfg.Relay.ListenAddr,
		Secret:    cfg.Relay.JWTSecret,
		Backplane: backplane,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
