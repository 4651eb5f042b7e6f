package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pipit-im/pipit/internal/datamode"
	"github.com/pipit-im/pipit/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Calling  Calling  `json:"calling"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Calling struct {
	// Maximum group size for which an inbound ring is honoured. Rings for
	// larger groups are cancelled without creating a session.
	MaxRingMembers int `json:"max_ring_members"`

	// HighDataInterfaces selects which network buckets may carry full-rate
	// media: "none", "wifi", "cellular", or "wifiAndCellular".
	HighDataInterfaces string `json:"high_data_interfaces"`

	// Optional websocket relay for signaling to peers that are not directly
	// dialable. Example: wss://relay.pipit.example/ws
	RelayURL string `json:"relay_url"`

	// RingCancellationRetentionMin is how long cancelled ring ids are kept in
	// the dedup ledger, in minutes.
	RingCancellationRetentionMin int `json:"ring_cancellation_retention_min"`
}

// HighDataPreference maps the persisted string to the policy type.
func (c Calling) HighDataPreference() datamode.Preference {
	return datamode.ParsePreference(c.HighDataInterfaces)
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "pipit-mdns",
		},
		Calling: Calling{
			MaxRingMembers:               16,
			HighDataInterfaces:           "wifi",
			RingCancellationRetentionMin: 30,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Calling.MaxRingMembers <= 1 {
		return errors.New("calling.max_ring_members must be > 1")
	}
	switch c.Calling.HighDataInterfaces {
	case "none", "wifi", "cellular", "wifiAndCellular":
	default:
		return fmt.Errorf("calling.high_data_interfaces must be one of none, wifi, cellular, wifiAndCellular (got %q)", c.Calling.HighDataInterfaces)
	}
	if rv := strings.TrimSpace(c.Calling.RelayURL); rv != "" {
		if !strings.HasPrefix(rv, "ws://") && !strings.HasPrefix(rv, "wss://") {
			return errors.New("calling.relay_url must start with ws:// or wss://")
		}
	}
	if c.Calling.RingCancellationRetentionMin <= 0 {
		return errors.New("calling.ring_cancellation_retention_min must be > 0")
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
