package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the full server configuration.
	Config struct {
		Server      ServerConfig      `mapstructure:"server"`
		LockManager LockManagerConfig `mapstructure:"lock_manager"`
		Log         LogConfig         `mapstructure:"log"`
		Journal     JournalConfig     `mapstructure:"journal"`
	}

	ServerConfig struct {
		Port   int  `mapstructure:"port"`
		Prompt bool `mapstructure:"prompt"`
	}

	LockManagerConfig struct {
		Buckets              int           `mapstructure:"buckets"`
		Partitions           int           `mapstructure:"partitions"`
		PartitionIntentLocks bool          `mapstructure:"partition_intent_locks"`
		DeadlockDetection    bool          `mapstructure:"deadlock_detection"`
		LockTimeout          time.Duration `mapstructure:"lock_timeout"`
		CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	}

	LogConfig struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	}

	JournalConfig struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	}

	Options struct {
		prefix     string
		configFile string
	}

	Option func(*Options)
)

// WithEnvPrefix sets the prefix of environment variables, DOCLOCK by default.
func WithEnvPrefix(prefix string) Option {
	return func(opts *Options) {
		opts.prefix = prefix
	}
}

// WithConfigFile reads a config file (any format viper knows) under the
// defaults and above the environment.
func WithConfigFile(path string) Option {
	return func(opts *Options) {
		opts.configFile = path
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.prompt", true)
	v.SetDefault("lock_manager.buckets", DefaultLockBuckets)
	v.SetDefault("lock_manager.partitions", DefaultLockPartitions)
	v.SetDefault("lock_manager.partition_intent_locks", true)
	v.SetDefault("lock_manager.deadlock_detection", true)
	v.SetDefault("lock_manager.lock_timeout", DefaultLockTimeout)
	v.SetDefault("lock_manager.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", JournalFileName)
}

// Load builds the configuration from defaults, an optional file and the
// environment, in increasing priority.
func Load(opts ...Option) (*Config, error) {
	options := &Options{prefix: EnvPrefix}
	for _, opt := range opts {
		opt(options)
	}

	v := viper.New()
	v.SetEnvPrefix(options.prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate reports every out of range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.LockManager.Buckets <= 0 {
		errs = append(errs, fmt.Errorf("lock_manager.buckets must be positive, got %d", c.LockManager.Buckets))
	}
	if c.LockManager.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("lock_manager.partitions must be positive, got %d", c.LockManager.Partitions))
	}
	if c.LockManager.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock_manager.lock_timeout must be positive, got %s", c.LockManager.LockTimeout))
	}
	if c.LockManager.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("lock_manager.cleanup_interval must be positive, got %s", c.LockManager.CleanupInterval))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	return errors.Join(errs...)
}
