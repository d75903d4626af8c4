// Package config loads the cronsync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cronsync/internal/scheduler"
)

const (
	ModeServer = "server"
	ModeClient = "client"
)

type Config struct {
	Mode     string         `yaml:"mode" default:"server" validate:"oneof=server client"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Executor ExecutorConfig `yaml:"executor"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr" default:":8080" validate:"required"`
	DBPath string `yaml:"db" default:"cronsync.db" validate:"required"`
	// SweepSpec is a cron spec, e.g. "@every 1m" or "*/2 * * * *".
	SweepSpec  string        `yaml:"sweep_spec" default:"@every 1m" validate:"required"`
	BatchSize  int           `yaml:"batch_size" default:"10" validate:"gte=1"`
	ClaimLease time.Duration `yaml:"claim_lease" default:"2m" validate:"gt=0"`
	// Tokens maps bearer tokens to owner ids.
	Tokens map[string]string `yaml:"tokens"`
	Debug  bool              `yaml:"debug"`
}

type ClientConfig struct {
	ServerURL    string        `yaml:"server_url" validate:"omitempty,url"`
	Token        string        `yaml:"token"`
	OwnerID      string        `yaml:"owner"`
	DBPath       string        `yaml:"db" default:"cronsync-client.db" validate:"required"`
	SyncInterval time.Duration `yaml:"sync_interval" default:"30s" validate:"gt=0"`
	// LocalTimers runs tasks in the client process too. Leave it off when the
	// server sweep is executing the same tasks.
	LocalTimers *bool `yaml:"local_timers" default:"true"`
}

func (c ClientConfig) LocalTimersEnabled() bool {
	return c.LocalTimers != nil && *c.LocalTimers
}

type ExecutorConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" default:"3" validate:"gte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path, expands ${VAR} references and applies defaults. An empty
// path yields the defaults. Callers validate after applying any overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply config defaults: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := scheduler.ValidateSpec(c.Server.SweepSpec); err != nil {
		return fmt.Errorf("invalid config: server.sweep_spec %q: %w", c.Server.SweepSpec, err)
	}
	if c.Mode == ModeClient {
		var missing []error
		if c.Client.ServerURL == "" {
			missing = append(missing, errors.New("client.server_url is required"))
		}
		if c.Client.Token == "" {
			missing = append(missing, errors.New("client.token is required"))
		}
		if c.Client.OwnerID == "" {
			missing = append(missing, errors.New("client.owner is required"))
		}
		if len(missing) > 0 {
			return fmt.Errorf("invalid config: %w", errors.Join(missing...))
		}
	}
	return nil
}
