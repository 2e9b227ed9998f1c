package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	APT       APT       `yaml:"apt"`
	Signing   Signing   `yaml:"signing"`
	Catalog   Catalog   `yaml:"catalog"`
	Import    Import    `yaml:"import"`
	Auth      Auth      `yaml:"auth"`
	Download  Download  `yaml:"download"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Storage struct {
	Path string `yaml:"path"`
}

// APT describes the single-architecture repository served under /dists.
type APT struct {
	PackageName     string `yaml:"package_name"`
	Architecture    string `yaml:"architecture"`
	Maintainer      string `yaml:"maintainer"`
	Description     string `yaml:"description"`
	Depends         string `yaml:"depends"`
	Section         string `yaml:"section"`
	Priority        string `yaml:"priority"`
	Suffix          string `yaml:"suffix"`
	Origin          string `yaml:"origin"`
	Label           string `yaml:"label"`
	Suite           string `yaml:"suite"`
	Component       string `yaml:"component"`
	HeadConcurrency int    `yaml:"head_concurrency"`
	Cache           bool   `yaml:"cache"`
}

type Signing struct {
	Mode           string `yaml:"mode"` // null, pgp
	PublicKeyFile  string `yaml:"public_key_file"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PassphraseEnv  string `yaml:"passphrase_env"`
}

type Catalog struct {
	PrimaryBranch string `yaml:"primary_branch"`
	ImagePattern  string `yaml:"image_pattern"`
}

type Import struct {
	Inbox    string        `yaml:"inbox"`
	Interval time.Duration `yaml:"interval"`
}

type Auth struct {
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	Realm       string `yaml:"realm"`

	// Password is resolved from PasswordEnv, never read from the file.
	Password string `yaml:"-"`
}

type Download struct {
	BaseURL string `yaml:"base_url"`
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	return LoadFromFile("config/config.yaml")
}

// LoadFromFile loads the configuration from the specified file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, fills defaults and resolves secrets from
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Auth.PasswordEnv != "" {
		cfg.Auth.Password = os.Getenv(cfg.Auth.PasswordEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure storage directories exist
	if err := ensureDirs(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("failed to create storage dirs: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Signing.Mode {
	case "null":
	case "pgp":
		if c.Signing.PrivateKeyFile == "" {
			return fmt.Errorf("signing.private_key_file is required in pgp mode")
		}
	default:
		return fmt.Errorf("unknown signing.mode %q", c.Signing.Mode)
	}
	if c.Auth.Username != "" && c.Auth.Password == "" {
		return fmt.Errorf("auth.username is set but %s is empty", c.Auth.PasswordEnv)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}

	a := &c.APT
	if a.PackageName == "" {
		a.PackageName = "feralfile-launcher"
	}
	if a.Architecture == "" {
		a.Architecture = "arm64"
	}
	if a.Maintainer == "" {
		a.Maintainer = "Bitmark Inc <support@feralfile.com>"
	}
	if a.Description == "" {
		a.Description = "Feral File Connection Assistant"
	}
	if a.Suffix == "" {
		a.Suffix = ".deb"
	}
	if a.Origin == "" {
		a.Origin = "feralfile-launcher"
	}
	if a.Label == "" {
		a.Label = "Feral File Repository"
	}
	if a.Suite == "" {
		a.Suite = "stable"
	}
	if a.Component == "" {
		a.Component = "main"
	}
	if a.HeadConcurrency <= 0 {
		a.HeadConcurrency = 8
	}

	if c.Signing.Mode == "" {
		c.Signing.Mode = "null"
	}
	if c.Catalog.PrimaryBranch == "" {
		c.Catalog.PrimaryBranch = "main"
	}
	if c.Catalog.ImagePattern == "" {
		c.Catalog.ImagePattern = `^radxa-x4-arch-(\d+\.\d+\.\d+)\.zip$`
	}
	if c.Auth.PasswordEnv == "" {
		c.Auth.PasswordEnv = "DORA_APT_AUTH_PASSWORD"
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = "Feral File Distribution"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Filename == "" {
		c.Log.Filename = filepath.Join(c.Storage.Path, "logs", "dora-apt.log")
	}
}

// ensureDirs creates necessary directories if they don't exist
func ensureDirs(basePath string) error {
	dirs := []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "tmp"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
