package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
//
// Keys are resolved from environment variables (dots become underscores, so
// "qbit.host" reads QBIT_HOST), an optional YAML file, then defaults — in
// that priority order. A local .env file is loaded into the environment
// first so deployments can keep secrets out of the unit file.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:",squash"`
	Qbit     QbitConfig     `mapstructure:"qbit"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Jellyfin JellyfinConfig `mapstructure:"jellyfin"`
	Library  LibraryConfig  `mapstructure:",squash"`
	Poll     PollConfig     `mapstructure:",squash"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	URL string `mapstructure:"database_url"`
}

// Path returns the on-disk sqlite file path, stripping an optional
// sqlite:// URL prefix carried over from older deployments.
func (c *DatabaseConfig) Path() string {
	p := strings.TrimPrefix(c.URL, "sqlite://")
	return strings.TrimPrefix(p, "sqlite:")
}

// QbitConfig holds qBittorrent connection settings.
type QbitConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Category string `mapstructure:"category"`
	SaveRoot string `mapstructure:"save_root"`
}

// BaseURL returns the qBittorrent Web API base URL.
func (c *QbitConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// TelegramConfig holds operator notification settings.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// JellyfinConfig holds media server settings.
type JellyfinConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LibraryConfig holds filesystem layout settings.
type LibraryConfig struct {
	IncomingRoot       string `mapstructure:"incoming_root"`
	LibraryRoot        string `mapstructure:"library_root"`
	ManifestRoot       string `mapstructure:"manifest_root"`
	ReviewQueuePath    string `mapstructure:"review_queue_path"`
	PreferredSubgroups string `mapstructure:"preferred_subgroups"` // CSV
	RSSURLs            string `mapstructure:"rss_urls"`            // CSV
	PosterScript       string `mapstructure:"poster_script"`
}

// Subgroups returns the globally preferred subgroups, in order.
func (c *LibraryConfig) Subgroups() []string {
	return splitCSV(c.PreferredSubgroups)
}

// FeedURLs returns the configured RSS feed URLs.
func (c *LibraryConfig) FeedURLs() []string {
	return splitCSV(c.RSSURLs)
}

// PollConfig bounds per-show polling. Release sources are slow,
// intermittent, and adversarial; without bounds one sick feed starves
// the fleet.
type PollConfig struct {
	MaxEpisodeQueriesPerShow int `mapstructure:"max_episode_queries_per_show"`
	MaxSearchTermsPerShow    int `mapstructure:"max_search_terms_per_show"`
	MaxFeedURLsPerShow       int `mapstructure:"max_feed_urls_per_show"`
	MaxCandidatesPerShow     int `mapstructure:"max_candidates_per_show"`
	RSSTimeoutSec            int `mapstructure:"rss_timeout_sec"`
	RSSMaxEntriesPerFeed     int `mapstructure:"rss_max_entries_per_feed"`
	FallbackAPIPages         int `mapstructure:"fallback_bangumi_api_pages"`
	FallbackAPIResults       int `mapstructure:"fallback_api_results_per_show"`
	PerShowTimeBudgetSec     int `mapstructure:"per_show_time_budget_sec"`
	MaxAddPerShowPerCycle    int `mapstructure:"max_add_per_show_per_cycle"`
	BackfillLimitPerShow     int `mapstructure:"backfill_limit_per_show"`
}

// Load reads configuration from .env, environment variables, and an
// optional config file.
func Load(configPath string) (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.path", "")

	v.SetDefault("database_url", "./data/bangumid.db")

	v.SetDefault("qbit.host", "localhost")
	v.SetDefault("qbit.port", 8080)
	v.SetDefault("qbit.username", "")
	v.SetDefault("qbit.password", "")
	v.SetDefault("qbit.category", "anime")
	v.SetDefault("qbit.save_root", "/downloads")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	v.SetDefault("jellyfin.host", "127.0.0.1")
	v.SetDefault("jellyfin.port", 8096)
	v.SetDefault("jellyfin.api_key", "")

	v.SetDefault("incoming_root", "/media/incoming")
	v.SetDefault("library_root", "/media/library/Anime")
	v.SetDefault("manifest_root", "./data/hash-manifests")
	v.SetDefault("review_queue_path", "./memory/bangumi-review-queue.jsonl")
	v.SetDefault("preferred_subgroups", "")
	v.SetDefault("rss_urls", "")
	v.SetDefault("poster_script", "")

	v.SetDefault("max_episode_queries_per_show", 6)
	v.SetDefault("max_search_terms_per_show", 12)
	v.SetDefault("max_feed_urls_per_show", 24)
	v.SetDefault("max_candidates_per_show", 180)
	v.SetDefault("rss_timeout_sec", 8)
	v.SetDefault("rss_max_entries_per_feed", 60)
	v.SetDefault("fallback_bangumi_api_pages", 1)
	v.SetDefault("fallback_api_results_per_show", 50)
	v.SetDefault("per_show_time_budget_sec", 25)
	v.SetDefault("max_add_per_show_per_cycle", 5)
	v.SetDefault("backfill_limit_per_show", 200)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
