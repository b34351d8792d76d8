// Package config persists optional file-backed overrides for the server
// and Name Server CLIs, so a deployment can check in one file instead of
// a long flag list.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/duonet/internal/util"
)

type Config struct {
	NameServer NameServer `json:"name_server"`
	Server     Server     `json:"server"`
	Storage    Storage    `json:"storage"`
}

type NameServer struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type Server struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	URI       string `json:"uri"`
	MinN      int    `json:"min_n"`
	Migrating bool   `json:"migrating"`
}

type Storage struct {
	SQLitePath string `json:"sqlite_path"`
}

func Default() Config {
	return Config{
		NameServer: NameServer{
			IP:   "127.0.0.1",
			Port: 8000,
		},
		Server: Server{
			IP:        "127.0.0.1",
			Port:      9000,
			URI:       "",
			MinN:      0,
			Migrating: false,
		},
		Storage: Storage{
			SQLitePath: "",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.NameServer.IP) == "" {
		return errors.New("name_server.ip is required")
	}
	if c.NameServer.Port <= 0 || c.NameServer.Port > 65535 {
		return errors.New("name_server.port must be 1..65535")
	}
	if strings.TrimSpace(c.Server.IP) == "" {
		return errors.New("server.ip is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if c.Server.MinN < 0 {
		return errors.New("server.min_n must be >= 0")
	}
	if c.NameServer.IP != "localhost" && net.ParseIP(c.NameServer.IP) == nil {
		return fmt.Errorf("name_server.ip %q is not a valid address", c.NameServer.IP)
	}
	return nil
}

// Load reads path, unmarshalling onto Default() so fields the file omits
// keep their defaults, then validates.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

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

// Ensure loads path if present, otherwise writes a default config there.
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
