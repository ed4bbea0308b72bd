package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// MaxHorizonDays is the hard upper bound on the sync horizon.
const MaxHorizonDays = 30

// Config holds all mailsync configuration.
type Config struct {
	Sync      SyncConfig             `toml:"sync"`
	Reconnect ReconnectConfig        `toml:"reconnect"`
	Transport TransportConfig        `toml:"transport"`
	Notify    NotifyConfig           `toml:"notify"`
	Log       LogConfig              `toml:"log"`
	OAuth     map[string]OAuthClient `toml:"oauth"`
}

// SyncConfig bounds initial and background synchronization.
type SyncConfig struct {
	HorizonDays      int      `toml:"horizon_days"`
	InitialLimit     int      `toml:"initial_limit"`
	BatchSize        int      `toml:"batch_size"`
	MaxTotalMessages int      `toml:"max_total_messages"`
	BackgroundDelay  Duration `toml:"background_delay"`
	BatchCooldown    Duration `toml:"batch_cooldown"`
	FetchRate        float64  `toml:"fetch_rate"`
}

// ReconnectConfig holds the backoff parameters.
type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Jitter      Duration `toml:"jitter"`
}

// TransportConfig holds IMAP connection timeouts.
type TransportConfig struct {
	ConnectTimeout  Duration `toml:"connect_timeout"`
	GreetingTimeout Duration `toml:"greeting_timeout"`
	IdleRefresh     Duration `toml:"idle_refresh"`
	LogoutTimeout   Duration `toml:"logout_timeout"`
	Debug           bool     `toml:"debug"`
}

// NotifyConfig configures the AMQP notifier. An empty URL disables it.
type NotifyConfig struct {
	AMQPURL    string `toml:"amqp_url"`
	Exchange   string `toml:"exchange"`
	RoutingKey string `toml:"routing_key"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level         string `toml:"level"`
	Pretty        bool   `toml:"pretty"`
	MaskAddresses bool   `toml:"mask_addresses"`
}

// OAuthClient holds the OAuth client registration for one provider.
type OAuthClient struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func defaults() Config {
	return Config{
		Sync: SyncConfig{
			HorizonDays:      30,
			InitialLimit:     50,
			BatchSize:        100,
			MaxTotalMessages: 1000,
			BackgroundDelay:  Duration{2 * time.Minute},
			BatchCooldown:    Duration{5 * time.Minute},
			FetchRate:        1,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration{5 * time.Second},
			MaxAttempts: 5,
			Jitter:      Duration{time.Second},
		},
		Transport: TransportConfig{
			ConnectTimeout:  Duration{30 * time.Second},
			GreetingTimeout: Duration{15 * time.Second},
			IdleRefresh:     Duration{25 * time.Minute},
			LogoutTimeout:   Duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Exchange:   "mail",
			RoutingKey: "mail.priority",
		},
		Log: LogConfig{
			Level: "info",
		},
		OAuth: map[string]OAuthClient{},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load reads config from path, then applies environment overrides. If path is
// empty or missing, defaults are used.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if cfg.OAuth == nil {
		cfg.OAuth = map[string]OAuthClient{}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from a .env file in the working directory, if any.
// Variables already present in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Validate clamps the horizon and rejects unusable limits.
func (c *Config) Validate() error {
	if c.Sync.HorizonDays <= 0 || c.Sync.HorizonDays > MaxHorizonDays {
		c.Sync.HorizonDays = MaxHorizonDays
	}
	if c.Sync.InitialLimit <= 0 {
		return fmt.Errorf("sync.initial_limit must be positive, got %d", c.Sync.InitialLimit)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxTotalMessages < c.Sync.InitialLimit {
		return fmt.Errorf("sync.max_total_messages (%d) must be at least sync.initial_limit (%d)",
			c.Sync.MaxTotalMessages, c.Sync.InitialLimit)
	}
	if c.Sync.FetchRate <= 0 {
		return fmt.Errorf("sync.fetch_rate must be positive, got %v", c.Sync.FetchRate)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	return nil
}

// Horizon returns the oldest date that is still synced.
func (c *Config) Horizon(now time.Time) time.Time {
	days := c.Sync.HorizonDays
	if days <= 0 || days > MaxHorizonDays {
		days = MaxHorizonDays
	}
	return now.AddDate(0, 0, -days)
}

// OAuthFor returns the client registration for a provider.
func (c *Config) OAuthFor(p domain.Provider) (OAuthClient, bool) {
	client, ok := c.OAuth[string(p)]
	return client, ok && client.ClientID != ""
}

var intEnv = map[string]func(*Config) *int{
	"MAILSYNC_SYNC_HORIZON_DAYS":       func(c *Config) *int { return &c.Sync.HorizonDays },
	"MAILSYNC_SYNC_INITIAL_LIMIT":      func(c *Config) *int { return &c.Sync.InitialLimit },
	"MAILSYNC_SYNC_BATCH_SIZE":         func(c *Config) *int { return &c.Sync.BatchSize },
	"MAILSYNC_SYNC_MAX_TOTAL_MESSAGES": func(c *Config) *int { return &c.Sync.MaxTotalMessages },
	"MAILSYNC_RECONNECT_MAX_ATTEMPTS":  func(c *Config) *int { return &c.Reconnect.MaxAttempts },
}

var durationEnv = map[string]func(*Config) *Duration{
	"MAILSYNC_SYNC_BACKGROUND_DELAY":      func(c *Config) *Duration { return &c.Sync.BackgroundDelay },
	"MAILSYNC_SYNC_BATCH_COOLDOWN":        func(c *Config) *Duration { return &c.Sync.BatchCooldown },
	"MAILSYNC_RECONNECT_BASE_DELAY":       func(c *Config) *Duration { return &c.Reconnect.BaseDelay },
	"MAILSYNC_RECONNECT_JITTER":           func(c *Config) *Duration { return &c.Reconnect.Jitter },
	"MAILSYNC_TRANSPORT_CONNECT_TIMEOUT":  func(c *Config) *Duration { return &c.Transport.ConnectTimeout },
	"MAILSYNC_TRANSPORT_GREETING_TIMEOUT": func(c *Config) *Duration { return &c.Transport.GreetingTimeout },
}

func applyEnv(cfg *Config) error {
	for key, field := range intEnv {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*field(cfg) = n
	}
	for key, field := range durationEnv {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		if err := field(cfg).UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if v := os.Getenv("MAILSYNC_NOTIFY_AMQP_URL"); v != "" {
		cfg.Notify.AMQPURL = v
	}
	if v := os.Getenv("MAILSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Provider credentials: config file first, then GMAIL_CLIENT_ID style env vars.
	for _, p := range domain.Providers {
		if _, ok := cfg.OAuthFor(p); ok {
			continue
		}
		prefix := envPrefix(p)
		id, secret := os.Getenv(prefix+"_CLIENT_ID"), os.Getenv(prefix+"_CLIENT_SECRET")
		if id != "" {
			cfg.OAuth[string(p)] = OAuthClient{ClientID: id, ClientSecret: secret}
		}
	}
	return nil
}

func envPrefix(p domain.Provider) string {
	switch p {
	case domain.ProviderGmail:
		return "GMAIL"
	case domain.ProviderOutlook:
		return "OUTLOOK"
	default:
		return "YAHOO"
	}
}

// ConfigDir returns the mailsync config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mailsync")
}

// DataDir returns the mailsync data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mailsync")
}
