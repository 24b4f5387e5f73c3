// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiformats/go-multiaddr"

	"github.com/vince0028/gitchat-mesh/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Transport Transport `json:"transport"`
	Tower     Tower     `json:"tower"`
	Mesh      Mesh      `json:"mesh"`
	Call      Call      `json:"call"`
}

type Identity struct {
	Username    string `json:"username"`
	DeviceModel string `json:"device_model"`
	KeyFile     string `json:"key_file"`
}

type Paths struct {
	DataDir   string `json:"data_dir"`
	DBFile    string `json:"db_file"`
	ImagesDir string `json:"images_dir"`
}

// Transport configures the clustered (libp2p) radio. ListenAddr is a
// multiaddr string (e.g. "/ip4/0.0.0.0/tcp/0"); port 0 picks an ephemeral
// port, which is the right default for a mesh node with no fixed address.
type Transport struct {
	MdnsTag    string `json:"mdns_tag"`
	ListenAddr string `json:"listen_addr"`
}

// Tower configures the optional BLE relay tower (§4.8): a single
// fixed-service-UUID device this node can reach as a star-topology hub
// alongside its normal clustered mesh links.
type Tower struct {
	Enabled   bool   `json:"enabled"`
	AdapterID string `json:"adapter_id"`
}

type Mesh struct {
	// DedupWatermark bounds the seen-message set; 0 falls back to
	// dedup.DefaultWatermark.
	DedupWatermark int `json:"dedup_watermark"`
}

// Call names the local Wi-Fi Direct device interface the Phase 2 handoff
// drives. Kept here alongside Tower.AdapterID since both are host hardware
// identifiers, not protocol tuning (§4.7's retry counts, ports and timeouts
// stay call package constants). ControlEnabled/ControlAddr configure the
// optional loopback call-state WebSocket a native UI shell can observe;
// off by default since a headless node has nothing listening to it.
type Call struct {
	Interface      string `json:"interface"`
	ControlEnabled bool   `json:"control_enabled"`
	ControlAddr    string `json:"control_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Username:    "",
			DeviceModel: "",
			KeyFile:     "data/identity.key",
		},
		Paths: Paths{
			DataDir:   "data",
			DBFile:    "data/gitchat.db",
			ImagesDir: "data/images",
		},
		Transport: Transport{
			MdnsTag:    "gitchat-mesh-mdns",
			ListenAddr: "/ip4/0.0.0.0/tcp/0",
		},
		Tower: Tower{
			Enabled:   false,
			AdapterID: "hci0",
		},
		Mesh: Mesh{
			DedupWatermark: 10000,
		},
		Call: Call{
			Interface:      "p2p-dev-wlan0",
			ControlEnabled: false,
			ControlAddr:    "127.0.0.1:0",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.Username) != "" {
		if _, err := util.ValidatePeerName(c.Identity.Username); err != nil {
			return fmt.Errorf("identity.username: %w", err)
		}
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.DBFile) == "" {
		return errors.New("paths.db_file is required")
	}
	if strings.TrimSpace(c.Paths.ImagesDir) == "" {
		return errors.New("paths.images_dir is required")
	}
	if filepath.Clean(c.Paths.DBFile) == filepath.Clean(c.Paths.ImagesDir) {
		return errors.New("paths.db_file and paths.images_dir must differ")
	}

	// Transport
	if strings.TrimSpace(c.Transport.MdnsTag) == "" {
		return errors.New("transport.mdns_tag is required")
	}
	if strings.TrimSpace(c.Transport.ListenAddr) == "" {
		return errors.New("transport.listen_addr is required")
	}
	if _, err := multiaddr.NewMultiaddr(c.Transport.ListenAddr); err != nil {
		return fmt.Errorf("transport.listen_addr: %w", err)
	}

	// Tower
	if c.Tower.Enabled && strings.TrimSpace(c.Tower.AdapterID) == "" {
		return errors.New("tower.adapter_id is required when tower.enabled=true")
	}

	// Mesh
	if c.Mesh.DedupWatermark < 0 {
		return errors.New("mesh.dedup_watermark must be >= 0")
	}

	// Call
	if strings.TrimSpace(c.Call.Interface) == "" {
		return errors.New("call.interface is required")
	}
	if c.Call.ControlEnabled && strings.TrimSpace(c.Call.ControlAddr) == "" {
		return errors.New("call.control_addr is required when call.control_enabled is set")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

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
