package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/lutraconsulting/mergin-go/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".mergin", "config.json")
	DefaultDataDir    = filepath.Join(home, "Mergin")
	DefaultApiRoot    = "https://public.cloudmergin.com/"
)

// Config is the client configuration persisted in the user's config file.
type Config struct {
	ApiRoot   string `json:"api_root"`
	DataDir   string `json:"data_dir"`
	Username  string `json:"username,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	Path      string `json:"-"`
}

func (c *Config) Validate() error {
	if c.ApiRoot == "" {
		return errors.New("config: api root is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data dir is required")
	}
	return nil
}

// Save writes the config atomically, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o600)
}

// Load reads a config file; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ApiRoot: DefaultApiRoot,
		DataDir: DefaultDataDir,
		Path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}
