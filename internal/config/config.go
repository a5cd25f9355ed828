package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/parley-im/parley/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Client Client `json:"client"`
	Call   Call   `json:"call"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// Secret used to sign and verify bearer tokens. Required in server mode.
	TokenSecret string `json:"token_secret"`

	// Token lifetime in hours.
	TokenTTLHours int `json:"token_ttl_hours"`

	// SQLite database path, relative to the run directory.
	DBPath string `json:"db_path"`

	// Optional URL of the external feedback/email service. Empty = feedback
	// is logged locally only.
	FeedbackURL string `json:"feedback_url"`
}

type Client struct {
	// Base URL of the parley server, e.g. "http://127.0.0.1:8087".
	ServerURL string `json:"server_url"`

	Username string `json:"username"`
	Password string `json:"password"`
}

type Call struct {
	// STUN/TURN URLs handed to the peer-connection layer.
	ICEServers []string `json:"ice_servers"`

	AvailabilityTimeoutSec int `json:"availability_timeout_sec"`
	OfferTimeoutSec        int `json:"offer_timeout_sec"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:      "127.0.0.1:8087",
			TokenTTLHours: 24,
			DBPath:        "data/parley.db",
		},
		Client: Client{
			ServerURL: "http://127.0.0.1:8087",
		},
		Call: Call{
			ICEServers:             []string{"stun:stun.l.google.com:19302"},
			AvailabilityTimeoutSec: 5,
			OfferTimeoutSec:        15,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Server.TokenTTLHours <= 0 {
		return errors.New("server.token_ttl_hours must be > 0")
	}
	if strings.TrimSpace(c.Server.DBPath) == "" {
		return errors.New("server.db_path is required")
	}
	if f := strings.TrimSpace(c.Server.FeedbackURL); f != "" {
		if err := validateHTTPURL(f); err != nil {
			return fmt.Errorf("server.feedback_url: %w", err)
		}
	}

	if s := strings.TrimSpace(c.Client.ServerURL); s != "" {
		if err := validateHTTPURL(s); err != nil {
			return fmt.Errorf("client.server_url: %w", err)
		}
	}

	if c.Call.AvailabilityTimeoutSec <= 0 {
		return errors.New("call.availability_timeout_sec must be > 0")
	}
	if c.Call.OfferTimeoutSec <= 0 {
		return errors.New("call.offer_timeout_sec must be > 0")
	}
	for _, s := range c.Call.ICEServers {
		if strings.TrimSpace(s) == "" {
			return errors.New("call.ice_servers must not contain empty entries")
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
