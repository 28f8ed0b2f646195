// internal/config/config.go

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"
)

// Bus kinds.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusP2P    = "p2p"
	BusRelay  = "relay"
)

// Environment variables that override secrets from the config file.
const (
	EnvRelaySecret   = "HUDDLE_RELAY_SECRET"
	EnvRedisPassword = "HUDDLE_REDIS_PASSWORD"
)

type Config struct {
	Identity Identity `json:"identity"`
	Bus      Bus      `json:"bus"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	Sound    Sound    `json:"sound"`
	Viewer   Viewer   `json:"viewer"`
	Relay    Relay    `json:"relay"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	KeyFile     string `json:"key_file"`
}

type Bus struct {
	Kind  string      `json:"kind"`
	Redis Redis       `json:"redis"`
	P2P   P2P         `json:"p2p"`
	Relay RelayClient `json:"relay"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"`
	// Circuit relay v2 multiaddrs used when the node is behind NAT.
	Relays []string `json:"relays"`
}

type RelayClient struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type ICE struct {
	STUNServers []string `json:"stun_servers"`
	UDPPortMin  int      `json:"udp_port_min"`
	UDPPortMax  int      `json:"udp_port_max"`
}

type Media struct {
	VideoDefault bool `json:"video_default"`
	// Synthetic source with silent audio and a blank camera. Useful on
	// hosts without capture devices.
	Synthetic    bool   `json:"synthetic"`
	VideoBitrate int    `json:"video_bitrate"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RecordDir    string `json:"record_dir"`
}

type Call struct {
	// 0 waits silently forever. Otherwise a peer stuck negotiating this long
	// is logged. Nothing is retried.
	NegotiationTimeoutSec int `json:"negotiation_timeout_sec"`
	MaxParticipants       int `json:"max_participants"`
	// Voice members repeat their sidebar presence this often. 0 disables.
	PresenceIntervalSec int `json:"presence_interval_sec"`
}

type Sound struct {
	Enabled    bool `json:"enabled"`
	SampleRate int  `json:"sample_rate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Relay struct {
	ListenAddr  string `json:"listen_addr"`
	JWTSecret   string `json:"jwt_secret"`
	TokenTTLMin int    `json:"token_ttl_minutes"`
	// Optional redis address shared by several relay instances.
	BackplaneRedis string `json:"backplane_redis"`
}

type Storage struct {
	DBDir string `json:"db_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Bus: Bus{
			Kind: BusMemory,
			Redis: Redis{
				Addr:   "127.0.0.1:6379",
				Prefix: "huddle:",
			},
			P2P: P2P{
				ListenPort: 0,
				MdnsTag:    proto.MdnsTag,
			},
		},
		ICE: ICE{
			STUNServers: append([]string(nil), proto.DefaultSTUNServers...),
		},
		Media: Media{
			VideoBitrate: 500_000,
			Width:        640,
			Height:       480,
		},
		Call: Call{
			NegotiationTimeoutSec: 0,
			MaxParticipants:       8,
			PresenceIntervalSec:   20,
		},
		Sound: Sound{
			Enabled:    true,
			SampleRate: 48000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7070",
		},
		Relay: Relay{
			ListenAddr:  ":8790",
			TokenTTLMin: 12 * 60,
		},
		Storage: Storage{
			DBDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.ContainsAny(c.Identity.UserID, " \t\n") {
		return errors.New("identity.user_id must not contain whitespace")
	}

	// Bus
	switch c.Bus.Kind {
	case BusMemory:
	case BusRedis:
		if strings.TrimSpace(c.Bus.Redis.Addr) == "" {
			return errors.New("bus.redis.addr is required for the redis bus")
		}
		if c.Bus.Redis.DB < 0 {
			return errors.New("bus.redis.db must be >= 0")
		}
	case BusP2P:
		if c.Bus.P2P.ListenPort < 0 || c.Bus.P2P.ListenPort > 65535 {
			return errors.New("bus.p2p.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Bus.P2P.MdnsTag) == "" {
			return errors.New("bus.p2p.mdns_tag is required")
		}
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the p2p bus")
		}
	case BusRelay:
		if err := validateHTTPURL(c.Bus.Relay.URL); err != nil {
			return fmt.Errorf("bus.relay.url: %w", err)
		}
		if c.Bus.Relay.Secret == "" {
			return errors.New("bus.relay.secret is required (or set " + EnvRelaySecret + ")")
		}
	default:
		return fmt.Errorf("bus.kind %q must be memory, redis, p2p or relay", c.Bus.Kind)
	}

	// ICE
	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun_servers: %q is not a stun: url", s)
		}
	}
	if c.ICE.UDPPortMin < 0 || c.ICE.UDPPortMax > 65535 || c.ICE.UDPPortMin > c.ICE.UDPPortMax {
		return errors.New("ice.udp_port_min..udp_port_max must be a valid port range")
	}

	// Media
	if c.Media.VideoBitrate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}

	// Call
	if c.Call.NegotiationTimeoutSec < 0 {
		return errors.New("call.negotiation_timeout_sec must be >= 0")
	}
	if c.Call.MaxParticipants < 2 {
		return errors.New("call.max_participants must be >= 2")
	}
	if c.Call.PresenceIntervalSec < 0 {
		return errors.New("call.presence_interval_sec must be >= 0")
	}

	// Sound
	if c.Sound.Enabled && (c.Sound.SampleRate < 8000 || c.Sound.SampleRate > 192000) {
		return errors.New("sound.sample_rate must be 8000..192000")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Relay (server side, only used by `huddle relay`)
	if c.Relay.TokenTTLMin < 0 {
		return errors.New("relay.token_ttl_minutes must be >= 0")
	}

	return nil
}

// ValidateRelay checks the settings needed to run the relay server.
func (c *Config) ValidateRelay() error {
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddr); err != nil {
		return fmt.Errorf("relay.listen_addr: %w", err)
	}
	if len(c.Relay.JWTSecret) < 16 {
		return errors.New("relay.jwt_secret must be at least 16 characters (or set " + EnvRelaySecret + ")")
	}
	return nil
}

// LoadRelay reads the relay settings. The file is optional: a relay can run
// from defaults plus the secret in the environment.
func LoadRelay(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
		cfg.applyEnv()
	}
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides without
// validating the result.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadEnv reads a .env file next to the config. Existing environment
// variables win over values in the file.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRelaySecret); v != "" {
		c.Bus.Relay.Secret = v
		c.Relay.JWTSecret = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Bus.Redis.Password = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a freshly generated user id.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg.applyEnv()
	return cfg, true, nil
}
