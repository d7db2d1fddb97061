package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"modchat/internal/logging"
)

// Config is everything the console needs to moderate a room.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Commands CommandsConfig `mapstructure:"commands"`
	Log      logging.Config `mapstructure:"log"`
	RoomID   int64          `mapstructure:"room_id"`
}

type APIConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BacklogLimit int           `mapstructure:"backlog_limit"`
}

type RealtimeConfig struct {
	Key              string        `mapstructure:"key"`
	Cluster          string        `mapstructure:"cluster"`
	Host             string        `mapstructure:"host"`
	ActivityTimeout  time.Duration `mapstructure:"activity_timeout"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// JournalConfig locates the local moderation journal. An empty path
// disables it.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// RetryConfig bounds the wait before a manual retry after failed opens.
type RetryConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// CommandsConfig caps how many commands of one kind the console issues per
// window. A zero limit disables the cap.
type CommandsConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

const envPrefix = "MODCHAT"

// Load reads modchat.yaml from dir (or . and ./config) and MODCHAT_*
// environment variables. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("modchat")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.url", "https://api.hellomais.com.br")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.backlog_limit", 20000)
	v.SetDefault("realtime.cluster", "sa1")
	v.SetDefault("realtime.activity_timeout", 120*time.Second)
	v.SetDefault("realtime.pong_timeout", 30*time.Second)
	v.SetDefault("realtime.handshake_timeout", time.Duration(0))
	v.SetDefault("journal.path", DefaultJournalPath())
	v.SetDefault("retry.initial", time.Second)
	v.SetDefault("retry.max", 30*time.Second)
	v.SetDefault("commands.limit", 10)
	v.SetDefault("commands.window", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	// Short names mirroring the command line flags.
	_ = v.BindEnv("api.token", "MODCHAT_TOKEN")
	_ = v.BindEnv("api.url", "MODCHAT_API_URL")
	_ = v.BindEnv("realtime.key", "MODCHAT_PUSHER_KEY")
	_ = v.BindEnv("realtime.cluster", "MODCHAT_PUSHER_CLUSTER")
	_ = v.BindEnv("realtime.host", "MODCHAT_PUSHER_HOST")
	_ = v.BindEnv("journal.path", "MODCHAT_DB")
	_ = v.BindEnv("log.file", "MODCHAT_LOG_FILE")
	_ = v.BindEnv("log.level", "MODCHAT_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first setting that prevents opening a room.
func (c *Config) Validate() error {
	switch {
	case c.RoomID <= 0:
		return errors.New("a room id is required")
	case c.API.URL == "":
		return errors.New("api url is required (--api-url or MODCHAT_API_URL)")
	case c.API.Token == "":
		return errors.New("an access token is required (--token or MODCHAT_TOKEN)")
	case c.Realtime.Key == "":
		return errors.New("realtime key is required (--pusher-key or MODCHAT_PUSHER_KEY)")
	case c.Realtime.Cluster == "" && c.Realtime.Host == "":
		return errors.New("realtime cluster or host is required")
	}
	return nil
}

// DefaultJournalPath returns a per-user data path for the journal database.
func DefaultJournalPath() string {
	if env := os.Getenv("MODCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "modchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "modchat", "modchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Modchat", "modchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Modchat", "modchat.db")
		}
		return filepath.Join(home, ".local", "share", "modchat", "modchat.db")
	}
	return filepath.Join(".", ".modchat", "modchat.db")
}
