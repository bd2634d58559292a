// Package config loads the relay's two configuration layers: process
// settings read once at startup, and the operator-editable relay config
// file, which is re-read from disk on every request.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings holds process-level configuration read once at startup.
type Settings struct {
	Host          string
	Port          int
	DataDir       string
	RelayConfig   string
	TemplatesPath string
	HistoryPath   string
}

// Addr returns the listen address as host:port.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadSettings reads startup settings from an optional config file and
// environment variables. The bare PORT and DEBUG variables from the
// original deployment are honored alongside the RELAY_ prefix.
func LoadSettings(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.data_dir", "./instance")
	v.SetDefault("server.config_path", "") // default <data_dir>/config.json
	v.SetDefault("server.templates_path", "./templates.json")
	v.SetDefault("server.history_path", "") // default <data_dir>/history.db; "none" disables
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay")
	}

	// Environment variable support: RELAY_SERVER_PORT=9090
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	// Compatibility with the original service's environment contract.
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			v.Set("server.port", n)
		}
	}
	if d := os.Getenv("DEBUG"); strings.EqualFold(d, "true") {
		v.Set("logging.level", "debug")
		v.Set("logging.format", "console")
	}

	return v, nil
}

// SettingsFromViper extracts the server section and resolves derived paths.
func SettingsFromViper(v *viper.Viper) *Settings {
	s := &Settings{
		Host:          v.GetString("server.host"),
		Port:          v.GetInt("server.port"),
		DataDir:       v.GetString("server.data_dir"),
		RelayConfig:   v.GetString("server.config_path"),
		TemplatesPath: v.GetString("server.templates_path"),
		HistoryPath:   v.GetString("server.history_path"),
	}
	if s.RelayConfig == "" {
		s.RelayConfig = filepath.Join(s.DataDir, "config.json")
	}
	switch s.HistoryPath {
	case "":
		s.HistoryPath = filepath.Join(s.DataDir, "history.db")
	case "none":
		s.HistoryPath = ""
	}
	return s
}

// Relay is the operator-editable relay configuration: the bot credential,
// the accepted API keys, the monitoring API URL, and the chat IDs allowed
// to issue bot commands. Read-only to the service; edited out of band.
type Relay struct {
	BotToken        string   `mapstructure:"telegram_bot_token" json:"telegram_bot_token"`
	APIKeys         []string `mapstructure:"api_keys" json:"api_keys"`
	MonitorURL      string   `mapstructure:"vm_monitor_url" json:"vm_monitor_url"`
	AuthorizedChats []string `mapstructure:"authorized_chats" json:"authorized_chats"`
}

// HasKey reports whether key is in the accepted API key list.
func (r *Relay) HasKey(key string) bool {
	for _, k := range r.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ChatAuthorized reports whether the chat may issue bot commands.
// An empty allow-list authorizes every chat.
func (r *Relay) ChatAuthorized(chatID string) bool {
	if len(r.AuthorizedChats) == 0 {
		return true
	}
	for _, id := range r.AuthorizedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// Store reads the relay config file. Every Load builds a fresh viper
// instance over the file, so out-of-band edits take effect on the next
// request without a restart and no cache invalidation is needed.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a Store for the config file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the relay config from disk. A missing or unreadable file
// yields an empty config rather than an error; request handling then
// fails at the auth or send step with a clear message.
func (s *Store) Load() *Relay {
	var r Relay

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			s.logger.Error("error loading config", zap.String("path", s.path), zap.Error(err))
		}
		return &r
	}
	if err := v.Unmarshal(&r); err != nil {
		s.logger.Error("error parsing config", zap.String("path", s.path), zap.Error(err))
		return &Relay{}
	}
	return &r
}

// EnsureExists creates the config file with placeholder values on first
// launch so operators have something to edit.
func (s *Store) EnsureExists() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config %q: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	placeholder := Relay{
		BotToken:        "",
		APIKeys:         []string{"changeme"},
		MonitorURL:      "",
		AuthorizedChats: []string{},
	}
	data, err := json.MarshalIndent(placeholder, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	s.logger.Info("created default config", zap.String("path", s.path))
	return nil
}
