package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for dutybot.
type Config struct {
	General      GeneralConfig           `json:"general"`
	Loop         LoopConfig              `json:"loop"`
	OnCall       OnCallConfig            `json:"oncall"`
	Notification NotificationConfig      `json:"notification"`
	Commands     CommandsConfig          `json:"commands"`
	Webhook      WebhookConfig           `json:"webhook"`
	History      HistoryConfig           `json:"history"`
	Metrics      MetricsConfig           `json:"metrics"`
	Contacts     map[string]ContactEntry `json:"contacts,omitempty"`
	Schedule     map[string]string       `json:"schedule,omitempty"` // weekday name -> contact key
	ContactsFile string                  `json:"contactsFile,omitempty"`

	// Directory is built from Contacts/Schedule (or ContactsFile) at load time.
	Directory *Directory `json:"-"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
}

// LoopConfig holds the connection settings for the Loop chat server.
type LoopConfig struct {
	ServerURL    string `json:"serverUrl"`
	Token        string `json:"token"`
	Team         string `json:"team"`
	ChannelID    string `json:"channelId"`
	AdminGroupID string `json:"adminGroupId"`
	BotUsername  string `json:"botUsername"`
	UseWebsocket bool   `json:"useWebsocket"`
}

type OnCallConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Schedule string `json:"schedule"`
}

type NotificationConfig struct {
	DailyTime               string       `json:"dailyTime"` // "HH:MM"
	Timezone                string       `json:"timezone"`
	ReminderIntervalMinutes int          `json:"reminderIntervalMinutes"`
	PollIntervalSeconds     int          `json:"pollIntervalSeconds"`
	WeekendAlerts           bool         `json:"weekendAlerts"`
	WeeklyReport            WeeklyReport `json:"weeklyReport"`
}

type WeeklyReport struct {
	Enabled bool   `json:"enabled"`
	Weekday string `json:"weekday"` // weekday name, e.g. "friday"
	Time    string `json:"time"`    // "HH:MM"
}

// CommandsConfig holds the acknowledgement keywords.
type CommandsConfig struct {
	Take string `json:"take"`
	Stop string `json:"stop"`
}

type WebhookConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
	Secret string `json:"secret,omitempty"` // HMAC secret; empty disables verification
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ContactEntry is the raw JSON/YAML shape of one directory contact.
type ContactEntry struct {
	Handle   string `json:"handle" yaml:"handle"`
	FullName string `json:"fullName" yaml:"fullName"`
	OnCallID string `json:"oncallId,omitempty" yaml:"oncallId,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.dutybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dutybot"
	}
	return filepath.Join(home, ".dutybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

	if cfg.ContactsFile != "" {
		file := ExpandPath(cfg.ContactsFile)
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		contacts, schedule, err := loadDirectoryFile(file)
		if err != nil {
			return nil, fmt.Errorf("contacts file %s: %w", cfg.ContactsFile, err)
		}
		cfg.Contacts = contacts
		cfg.Schedule = schedule
	}

	dir, err := BuildDirectory(cfg.Contacts, cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("contact directory: %w", err)
	}
	cfg.Directory = dir

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Loop.ServerURL == "" {
		errs = append(errs, "loop.serverUrl is required")
	}
	if cfg.Loop.Token == "" {
		errs = append(errs, "loop.token is required")
	}
	if cfg.Loop.ChannelID == "" {
		errs = append(errs, "loop.channelId is required")
	}
	if cfg.Loop.BotUsername == "" {
		errs = append(errs, "loop.botUsername is required")
	}

	if _, _, err := ParseClock(cfg.Notification.DailyTime); err != nil {
		errs = append(errs, fmt.Sprintf("notification.dailyTime: %v", err))
	}
	if _, err := time.LoadLocation(cfg.Notification.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("notification.timezone: unknown timezone %q", cfg.Notification.Timezone))
	}
	if cfg.Notification.ReminderIntervalMinutes < 1 {
		errs = append(errs, "notification.reminderIntervalMinutes must be >= 1")
	}
	if cfg.Notification.PollIntervalSeconds < 1 {
		errs = append(errs, "notification.pollIntervalSeconds must be >= 1")
	}
	if cfg.Notification.WeeklyReport.Enabled {
		if _, err := ParseWeekday(cfg.Notification.WeeklyReport.Weekday); err != nil {
			errs = append(errs, fmt.Sprintf("notification.weeklyReport.weekday: %v", err))
		}
		if _, _, err := ParseClock(cfg.Notification.WeeklyReport.Time); err != nil {
			errs = append(errs, fmt.Sprintf("notification.weeklyReport.time: %v", err))
		}
	}

	if cfg.Commands.Take == "" {
		errs = append(errs, "commands.take must not be empty")
	}
	if cfg.Commands.Stop == "" {
		errs = append(errs, "commands.stop must not be empty")
	}

	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}

	if cfg.OnCall.Enabled {
		if cfg.OnCall.URL == "" {
			errs = append(errs, "oncall.url is required when oncall.enabled")
		}
		if cfg.OnCall.Schedule == "" {
			errs = append(errs, "oncall.schedule is required when oncall.enabled")
		}
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
