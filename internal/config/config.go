// Package config loads and validates notifier configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/bilibili-notifier/internal/bilibili"
	"github.com/JakeFAU/bilibili-notifier/internal/diff"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// EnvPrefix prefixes every environment override, e.g. BILIMON_STATE_FILE.
const EnvPrefix = "BILIMON"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PollIntervalSeconds is the older spelling of PollInterval. It wins when
	// both are set, matching files written for earlier releases.
	PollIntervalSeconds int                 `mapstructure:"poll_interval_seconds"`
	Users               []UserConfig        `mapstructure:"bilibili_users"`
	Notifications       NotificationsConfig `mapstructure:"notifications"`
	StateFile           string              `mapstructure:"state_file"`
	State               StateConfig         `mapstructure:"state"`
	FirstRun            string              `mapstructure:"first_run"`
	AuthCookies         AuthCookies         `mapstructure:"auth_cookies"`
	Fetch               FetchConfig         `mapstructure:"fetch"`
	Logging             LoggingConfig       `mapstructure:"logging"`
	Server              ServerConfig        `mapstructure:"server"`
}

// UserConfig is one monitored creator.
type UserConfig struct {
	MID   int64       `mapstructure:"mid"`
	Name  string      `mapstructure:"name"`
	Fetch FetchToggle `mapstructure:"fetch"`
}

// FetchToggle selects content kinds. An omitted toggle means enabled.
type FetchToggle struct {
	Dynamic *bool `mapstructure:"dynamic"`
	Video   *bool `mapstructure:"video"`
	Article *bool `mapstructure:"article"`
}

func (f FetchToggle) kinds() []monitor.Kind {
	var kinds []monitor.Kind
	for _, k := range []struct {
		kind monitor.Kind
		on   *bool
	}{
		{monitor.KindDynamic, f.Dynamic},
		{monitor.KindVideo, f.Video},
		{monitor.KindArticle, f.Article},
	} {
		if k.on == nil || *k.on {
			kinds = append(kinds, k.kind)
		}
	}
	return kinds
}

// NotificationsConfig groups the delivery channels.
type NotificationsConfig struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Email      EmailConfig      `mapstructure:"email"`
	ServerChan ServerChanConfig `mapstructure:"serverchan"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	UseTLS   bool     `mapstructure:"use_tls"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	FromAddr string   `mapstructure:"from_addr"`
	ToAddrs  []string `mapstructure:"to_addrs"`
}

// ServerChanConfig configures the ServerChan push channel.
type ServerChanConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	SendKey string `mapstructure:"sendkey"`
}

// PubSubConfig configures publishing items to a Google Cloud Pub/Sub topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StateConfig tunes the dedup store.
type StateConfig struct {
	MaxIDsPerKind int `mapstructure:"max_ids_per_kind"`
}

// AuthCookies are optional logged-in session cookies.
type AuthCookies struct {
	SESSDATA        string `mapstructure:"sessdata"`
	BiliJct         string `mapstructure:"bili_jct"`
	Buvid3          string `mapstructure:"buvid3"`
	Buvid4          string `mapstructure:"buvid4"`
	DedeUserID      string `mapstructure:"dedeuserid"`
	DedeUserIDCkMd5 string `mapstructure:"dedeuserid_ckmd5"`
}

// FetchConfig controls upstream access.
type FetchConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	PageSize          int           `mapstructure:"page_size"`
	UserAgent         string        `mapstructure:"user_agent"`
	BaseURL           string        `mapstructure:"base_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment. An empty path searches the
// working directory and the user's config directory for config.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bilibili-notifier"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return Config{}, &monitor.ConfigError{Err: fmt.Errorf("read config: %w", err)}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return Config{}, &monitor.ConfigError{Err: fmt.Errorf("unmarshal config: %w", err)}
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("state_file", "state.json")
	v.SetDefault("state.max_ids_per_kind", 50)
	v.SetDefault("first_run", string(diff.FirstRunSeed))
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.use_tls", true)
	v.SetDefault("fetch.concurrency", 2)
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial", "500ms")
	v.SetDefault("fetch.backoff_max", "5s")
	v.SetDefault("fetch.page_size", 20)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
}

// secondsDurationHook decodes bare numbers as seconds and strings with
// time.ParseDuration.
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch value := data.(type) {
		case int:
			return time.Duration(value) * time.Second, nil
		case int64:
			return time.Duration(value) * time.Second, nil
		case float64:
			return time.Duration(value * float64(time.Second)), nil
		case string:
			value = strings.TrimSpace(value)
			if secs, err := strconv.ParseFloat(value, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", value, err)
			}
			return d, nil
		default:
			return data, nil
		}
	}
}

func (c *Config) normalize() {
	if c.PollIntervalSeconds > 0 {
		c.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
	}
	for i := range c.Users {
		c.Users[i].Name = strings.TrimSpace(c.Users[i].Name)
	}
	c.StateFile = strings.TrimSpace(c.StateFile)
	c.FirstRun = strings.ToLower(strings.TrimSpace(c.FirstRun))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Users) == 0 {
		return configErr("bilibili_users", errors.New("at least one user is required"))
	}
	for i, u := range c.Users {
		if u.MID <= 0 {
			return configErr(fmt.Sprintf("bilibili_users[%d].mid", i), errors.New("must be > 0"))
		}
	}
	if c.PollInterval <= 0 {
		return configErr("poll_interval", errors.New("must be > 0"))
	}
	if c.StateFile == "" {
		return configErr("state_file", errors.New("must be set"))
	}
	if c.State.MaxIDsPerKind <= 0 {
		return configErr("state.max_ids_per_kind", errors.New("must be > 0"))
	}
	if _, err := diff.ParseFirstRunPolicy(c.FirstRun); err != nil {
		return configErr("first_run", err)
	}
	if c.Fetch.Concurrency <= 0 {
		return configErr("fetch.concurrency", errors.New("must be > 0"))
	}
	if c.Fetch.Timeout <= 0 {
		return configErr("fetch.timeout", errors.New("must be > 0"))
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return configErr("fetch.requests_per_second", errors.New("must be >= 0"))
	}
	if c.Fetch.MaxRetries < 0 {
		return configErr("fetch.max_retries", errors.New("must be >= 0"))
	}
	if c.Fetch.BackoffMax < c.Fetch.BackoffInitial {
		return configErr("fetch.backoff_max", errors.New("must be >= fetch.backoff_initial"))
	}
	if c.Fetch.PageSize <= 0 || c.Fetch.PageSize > 50 {
		return configErr("fetch.page_size", errors.New("must be between 1 and 50"))
	}
	// A window smaller than one page evicts IDs the next fetch returns again.
	if page := max(c.Fetch.PageSize, bilibili.DefaultDynamicLimit); c.State.MaxIDsPerKind < page {
		return configErr("state.max_ids_per_kind", fmt.Errorf("must be >= %d, the largest fetched page", page))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return configErr("server.port", errors.New("must be a valid TCP port"))
	}
	return nil
}

func configErr(field string, err error) error {
	return &monitor.ConfigError{Field: field, Err: err}
}

// Accounts converts the user list into monitor.Accounts.
func (c Config) Accounts() []monitor.Account {
	accounts := make([]monitor.Account, 0, len(c.Users))
	for _, u := range c.Users {
		accounts = append(accounts, monitor.Account{MID: u.MID, Name: u.Name, Kinds: u.Fetch.kinds()})
	}
	return accounts
}

// FirstRunPolicy returns the validated first-run policy.
func (c Config) FirstRunPolicy() diff.FirstRunPolicy {
	policy, err := diff.ParseFirstRunPolicy(c.FirstRun)
	if err != nil {
		return diff.FirstRunSeed
	}
	return policy
}
