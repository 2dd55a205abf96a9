package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Couch    CouchConfig    `mapstructure:"couch"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Sequence SequenceConfig `mapstructure:"sequence"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type CouchConfig struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Databases []string `mapstructure:"databases"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Secure    bool     `mapstructure:"secure"`
	CAFile    string   `mapstructure:"ca_file"`

	// HeartbeatMS and TimeoutMS are mutually exclusive on the wire; a
	// non-zero timeout supersedes the heartbeat.
	HeartbeatMS int `mapstructure:"heartbeat_ms"`
	TimeoutMS   int `mapstructure:"timeout_ms"`
}

type FeedConfig struct {
	// Since overrides the persisted position for every database.
	Since             string `mapstructure:"since"`
	KeepRevision      bool   `mapstructure:"keep_revision"`
	Reconnect         bool   `mapstructure:"reconnect"`
	ReconnectDelaySec int    `mapstructure:"reconnect_delay_sec"`
}

type SequenceConfig struct {
	Dir string `mapstructure:"dir"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func (c *CouchConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

func (c *CouchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("couch.host", "localhost")
	v.SetDefault("couch.port", 5984)
	v.SetDefault("couch.heartbeat_ms", 1000)
	v.SetDefault("couch.timeout_ms", 0)
	v.SetDefault("feed.keep_revision", false)
	v.SetDefault("feed.reconnect", true)
	v.SetDefault("feed.reconnect_delay_sec", 5)
	v.SetDefault("sequence.dir", "data/sequences")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.directory", "data/archive")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("COUCHTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind credential keys so they work without a config file
	_ = v.BindEnv("couch.username", "COUCHTAIL_COUCH_USERNAME")
	_ = v.BindEnv("couch.password", "COUCHTAIL_COUCH_PASSWORD")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("couchtail")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
