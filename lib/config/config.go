package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the process configuration, cached after first load
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Output string `mapstructure:"output"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"logging"`

	Relay struct {
		Software      string `mapstructure:"software"`
		Version       string `mapstructure:"version"`
		SendQueueSize int    `mapstructure:"send_queue_size"`
	} `mapstructure:"relay"`

	Web struct {
		JWTSecret     string `mapstructure:"jwt_secret"`
		APIKey        string `mapstructure:"api_key"`
		SignupEnabled bool   `mapstructure:"signup_enabled"`
	} `mapstructure:"web"`

	Payments struct {
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"payments"`
}

var (
	cachedConfig    atomic.Value // stores *Config
	configLoadOnce  sync.Once
	configLoadError error

	writeMutex sync.Mutex

	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration, creating a
// default config.yaml on first run
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("NOSTRRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := viper.WriteConfigAs("config.yaml"); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read created config: %w", err)
			}
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Debounce file changes to avoid reading partial writes
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			writeMutex.Lock()
			defer writeMutex.Unlock()

			if err := reloadConfigCache(); err != nil {
				fmt.Printf("error reloading config after change to %s: %v\n", e.Name, err)
			}
		})
	})

	return nil
}

func reloadConfigCache() error {
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetConfig returns the cached configuration struct; reads are a single
// atomic load
func GetConfig() (*Config, error) {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*Config), nil
	}

	configLoadOnce.Do(func() {
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return nil, configLoadError
	}

	cfg := cachedConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	return cfg.(*Config), nil
}

// SaveConfig writes the current configuration to file and refreshes the cache
func SaveConfig() error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	if err := viper.WriteConfig(); err != nil {
		return err
	}

	return reloadConfigCache()
}

// UpdateConfig sets a configuration value and optionally persists it
func UpdateConfig(key string, value interface{}, save bool) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	viper.Set(key, value)

	if save {
		if err := viper.WriteConfig(); err != nil {
			return err
		}
	}

	return reloadConfigCache()
}

// GenerateRandomAPIKey generates a random 32-byte hexadecimal key
func GenerateRandomAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 9000)

	viper.SetDefault("database.path", "./data/nostrrelay.db")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.path", "logs")

	viper.SetDefault("relay.software", "https://github.com/lnbits/nostrrelay")
	viper.SetDefault("relay.version", "0.4.0")
	viper.SetDefault("relay.send_queue_size", 128)

	viper.SetDefault("web.jwt_secret", "")
	viper.SetDefault("web.api_key", "")
	viper.SetDefault("web.signup_enabled", true)

	viper.SetDefault("payments.queue_size", 256)
}
