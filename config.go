package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// configPathOverride allows tests to redirect config to a temp directory
var configPathOverride string

type TelegramConfig struct {
	BotToken     string  `mapstructure:"bot_token"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
	// ChannelID is a group chat where every message is treated as a prompt.
	ChannelID int64 `mapstructure:"channel_id"`
}

type CLIConfig struct {
	Command string `mapstructure:"command"`
}

type TargetConfig struct {
	Session string `mapstructure:"session"`
	Window  string `mapstructure:"window"`
}

type DeliveryConfig struct {
	ChunkLimit      int    `mapstructure:"chunk_limit"`
	FallbackMessage string `mapstructure:"fallback_message"`
}

type ObserverConfig struct {
	Addr         string `mapstructure:"addr"`
	PasswordHash string `mapstructure:"password_hash"`
}

type PaneConfig struct {
	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Backend  string         `mapstructure:"backend"`
	CLI      CLIConfig      `mapstructure:"cli"`
	Target   TargetConfig   `mapstructure:"target"`
	Poll     PollConfig     `mapstructure:"poll"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Rules    Rules          `mapstructure:"rules"`
	Observer ObserverConfig `mapstructure:"observer"`
	Pane     PaneConfig     `mapstructure:"pane"`
}

const (
	BackendTmux = "tmux"
	BackendPTY  = "pty"
)

const defaultFallbackMessage = "⚠️ No response captured from the CLI. Check the session with /status."

// DefaultConfig returns the settings used when neither the config file nor
// the environment say otherwise.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendTmux,
		CLI:      CLIConfig{Command: "gemini --y"},
		Target:   TargetConfig{Session: "gemini-bot", Window: "0"},
		Poll:     DefaultPollConfig(),
		Tracker:  DefaultTrackerConfig(),
		Delivery: DeliveryConfig{ChunkLimit: 2000, FallbackMessage: defaultFallbackMessage},
		Rules:    DefaultRules(),
		Pane:     PaneConfig{Cols: 500, Rows: 100},
	}
}

// getConfigDir returns the configuration directory (~/.cli-relay/).
// Respects configPathOverride for testing.
func getConfigDir() string {
	if configPathOverride != "" {
		return filepath.Dir(configPathOverride)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cli-relay")
}

func getConfigPath() string {
	if configPathOverride != "" {
		os.MkdirAll(filepath.Dir(configPathOverride), 0700)
		return configPathOverride
	}
	dir := getConfigDir()
	os.MkdirAll(dir, 0700)
	return filepath.Join(dir, "config.json")
}

func configExists() bool {
	_, err := os.Stat(getConfigPath())
	return err == nil
}

func newConfigViper() *viper.Viper {
	d := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(getConfigPath())
	v.SetConfigType("json")
	v.SetEnvPrefix("CLI_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.allowed_users", []int64{})
	v.SetDefault("telegram.channel_id", int64(0))
	v.SetDefault("backend", d.Backend)
	v.SetDefault("cli.command", d.CLI.Command)
	v.SetDefault("target.session", d.Target.Session)
	v.SetDefault("target.window", d.Target.Window)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.initial_wait", d.Poll.InitialWait)
	v.SetDefault("poll.clear_delay", d.Poll.ClearDelay)
	v.SetDefault("poll.submit_delay", d.Poll.SubmitDelay)
	v.SetDefault("poll.launch_wait", d.Poll.LaunchWait)
	v.SetDefault("tracker.stall_threshold", d.Tracker.StallThreshold)
	v.SetDefault("tracker.stable_ceiling", d.Tracker.StableCeiling)
	v.SetDefault("tracker.tick_ceiling", d.Tracker.TickCeiling)
	v.SetDefault("tracker.prompt_window", d.Tracker.PromptWindow)
	v.SetDefault("delivery.chunk_limit", d.Delivery.ChunkLimit)
	v.SetDefault("delivery.fallback_message", d.Delivery.FallbackMessage)
	v.SetDefault("rules.marker_glyph", d.Rules.MarkerGlyph)
	v.SetDefault("rules.prompt_glyph", d.Rules.PromptGlyph)
	v.SetDefault("rules.ready_glyph", d.Rules.ReadyGlyph)
	v.SetDefault("rules.box_openers", d.Rules.BoxOpeners)
	v.SetDefault("rules.border_glyphs", d.Rules.BorderGlyphs)
	v.SetDefault("rules.ornaments", d.Rules.Ornaments)
	v.SetDefault("rules.ignore_phrases", d.Rules.IgnorePhrases)
	v.SetDefault("rules.plain_as_log", d.Rules.PlainAsLog)
	v.SetDefault("observer.addr", "")
	v.SetDefault("observer.password_hash", "")
	v.SetDefault("pane.cols", d.Pane.Cols)
	v.SetDefault("pane.rows", d.Pane.Rows)

	// Names the original bot's .env files used.
	_ = v.BindEnv("telegram.bot_token", "CLI_RELAY_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("target.session", "CLI_RELAY_TARGET_SESSION", "TMUX_SESSION_NAME")
	return v
}

// loadConfig reads .env, the config file and CLI_RELAY_* variables, in
// increasing order of precedence over the defaults. A missing config file is
// not an error; callers that need a token check Validate.
func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newConfigViper()
	if _, err := os.Stat(getConfigPath()); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Telegram.AllowedUsers == nil {
		cfg.Telegram.AllowedUsers = []int64{}
	}
	return &cfg, nil
}

// saveConfig writes the Telegram section, keeping every other key already in
// the file.
func saveConfig(config *Config) error {
	users := config.Telegram.AllowedUsers
	if users == nil {
		users = []int64{}
	}
	values := map[string]any{
		"telegram.bot_token":     config.Telegram.BotToken,
		"telegram.allowed_users": users,
	}
	if config.Observer.PasswordHash != "" {
		values["observer.password_hash"] = config.Observer.PasswordHash
	}
	return updateConfigFile(values)
}

// updateConfigFile sets keys in the config file only, so values that came
// from the environment are never persisted.
func updateConfigFile(values map[string]any) error {
	path := getConfigPath()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	for k, val := range values {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Chmod(path, 0600)
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendTmux, BackendPTY:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendTmux, BackendPTY)
	}
	if strings.TrimSpace(c.Target.Session) == "" {
		return errors.New("target.session must not be empty")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.InitialWait < 0 || c.Poll.ClearDelay < 0 || c.Poll.SubmitDelay < 0 || c.Poll.LaunchWait < 0 {
		return errors.New("poll delays must not be negative")
	}
	if c.Tracker.TickCeiling <= 0 || c.Tracker.StableCeiling <= 0 {
		return errors.New("tracker ceilings must be positive")
	}
	if c.Tracker.StallThreshold <= 0 {
		return errors.New("tracker.stall_threshold must be positive")
	}
	if c.Tracker.PromptWindow <= 0 {
		return errors.New("tracker.prompt_window must be positive")
	}
	if c.Delivery.ChunkLimit <= 0 {
		return fmt.Errorf("delivery.chunk_limit must be positive, got %d", c.Delivery.ChunkLimit)
	}
	if c.Rules.MarkerGlyph == "" || c.Rules.PromptGlyph == "" || c.Rules.ReadyGlyph == "" {
		return errors.New("rules glyphs must not be empty")
	}
	return nil
}

// RelayConfig extracts what the poll loop needs.
func (c *Config) RelayConfig() RelayConfig {
	return RelayConfig{
		Rules:           c.Rules,
		Tracker:         c.Tracker,
		Poll:            c.Poll,
		ChunkLimit:      c.Delivery.ChunkLimit,
		FallbackMessage: c.Delivery.FallbackMessage,
		CLICommand:      c.CLI.Command,
		PaneCols:        c.Pane.Cols,
		PaneRows:        c.Pane.Rows,
	}
}

func (c *Config) DefaultTarget() Target {
	w := c.Target.Window
	if w == "" {
		w = "0"
	}
	return Target{Session: c.Target.Session, Window: w}
}

func (c *Config) isAllowed(userID int64) bool {
	for _, id := range c.Telegram.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// newBackend builds the terminal backend named by the config.
func newBackend(c *Config) Backend {
	if c.Backend == BackendPTY {
		return NewPTYTerminal(c.Pane.Cols, c.Pane.Rows)
	}
	return NewTmuxTerminal()
}
