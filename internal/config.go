package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"benchrelay/pkg/relay"
)

// Config represents the relay configuration.
type Config struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		DebugEvents    bool   `yaml:"debug_events"`
	} `yaml:"server"`
	// GitHub holds the app identity and the webhook endpoint.
	GitHub GitHubConfig `yaml:"github"`
	// Trigger decides which pull request events are relayed.
	Trigger TriggerConfig `yaml:"trigger"`
	// Dispatch names the repository_dispatch target.
	Dispatch DispatchConfig `yaml:"dispatch"`
	// Notifications fans out relay outcomes through watermill.
	Notifications WatermillConfig `yaml:"notifications"`
}

// GitHubConfig holds GitHub App credentials and webhook settings.
type GitHubConfig struct {
	BaseURL        string   `yaml:"base_url"`
	AppID          int64    `yaml:"app_id"`
	PrivateKey     string   `yaml:"private_key"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Owner          string   `yaml:"owner"`
	Repositories   []string `yaml:"repositories"`
	WebhookPath    string   `yaml:"webhook_path"`
	WebhookSecret  string   `yaml:"webhook_secret"`
}

// TriggerConfig holds the event filter and the label guard.
type TriggerConfig struct {
	BaseBranch    string   `yaml:"base_branch"`
	Events        []string `yaml:"events"`
	Label         string   `yaml:"label"`
	Filters       []Filter `yaml:"filters"`
	FiltersStrict bool     `yaml:"filters_strict"`
}

// DispatchConfig holds the downstream repository and event type.
type DispatchConfig struct {
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`
	EventType  string `yaml:"event_type"`
	TimeoutMS  int64  `yaml:"timeout_ms"`
}

// WatermillConfig holds the configuration for outcome notifications.
type WatermillConfig struct {
	Topic     string          `yaml:"topic"`
	Drivers   []string        `yaml:"drivers"`
	GoChannel GoChannelConfig `yaml:"gochannel"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	SQL       SQLConfig       `yaml:"sql"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming publisher.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP publisher.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL publisher.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// LoadConfig loads the relay configuration from a YAML file.
// It expands environment variables and applies overrides and defaults.
// An empty path yields the defaults plus BENCHRELAY_* overrides.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return ParseConfig([]byte("{}"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	filters, err := normalizeFilters(cfg.Trigger.Filters)
	if err != nil {
		return cfg, err
	}
	cfg.Trigger.Filters = filters
	cfg.GitHub.Repositories = trimAll(cfg.GitHub.Repositories)
	cfg.Trigger.Events = trimAll(cfg.Trigger.Events)
	cfg.Notifications.Drivers = trimAll(cfg.Notifications.Drivers)
	return cfg, nil
}

// Validate checks the fields the relay needs at runtime.
func (c Config) Validate() error {
	var err error
	if c.GitHub.AppID == 0 {
		err = errors.Join(err, errors.New("github.app_id is required"))
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		err = errors.Join(err, errors.New("github.private_key or github.private_key_path is required"))
	}
	if len(c.GitHub.Repositories) != 2 {
		err = errors.Join(err, fmt.Errorf("github.repositories must name exactly two repositories, got %d", len(c.GitHub.Repositories)))
	} else if c.GitHub.Repositories[0] == c.GitHub.Repositories[1] {
		err = errors.Join(err, errors.New("github.repositories must be distinct"))
	}
	if !c.tokenCoversTarget() {
		err = errors.Join(err, fmt.Errorf("dispatch target %s/%s is not among the token repositories", c.Dispatch.Owner, c.Dispatch.Repository))
	}
	if c.Trigger.Label == "" {
		err = errors.Join(err, errors.New("trigger.label is required"))
	}
	if c.Dispatch.EventType == "" {
		err = errors.Join(err, errors.New("dispatch.event_type is required"))
	}
	if c.httpTopicUnroutable() {
		err = errors.Join(err, fmt.Errorf("notifications.topic %q must be an http(s) url when notifications.http.mode is topic_url", c.Notifications.Topic))
	}
	return err
}

// httpTopicUnroutable reports an http driver in topic_url mode whose topic is not a URL.
func (c Config) httpTopicUnroutable() bool {
	if !strings.EqualFold(c.Notifications.HTTP.Mode, "topic_url") {
		return false
	}
	for _, driver := range c.Notifications.Drivers {
		if !strings.EqualFold(driver, "http") {
			continue
		}
		u, err := url.Parse(c.Notifications.Topic)
		return err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == ""
	}
	return false
}

func (c Config) tokenCoversTarget() bool {
	if !strings.EqualFold(c.Dispatch.Owner, c.GitHub.Owner) {
		return false
	}
	for _, repo := range c.GitHub.Repositories {
		if strings.EqualFold(repo, c.Dispatch.Repository) {
			return true
		}
	}
	return false
}

// Target returns the dispatch repository.
func (c Config) Target() relay.Repo {
	return relay.Repo{Owner: c.Dispatch.Owner, Name: c.Dispatch.Repository}
}

// TriggerKinds converts the configured event names to relay kinds.
func (c Config) TriggerKinds() []relay.EventKind {
	kinds := make([]relay.EventKind, 0, len(c.Trigger.Events))
	for _, name := range c.Trigger.Events {
		kinds = append(kinds, relay.EventKind(strings.ToLower(name)))
	}
	return kinds
}

// applyEnv lets CI secrets reach the relay without a config file.
func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("BENCHRELAY_APP_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BENCHRELAY_APP_ID: %w", err)
		}
		cfg.GitHub.AppID = id
	}
	if v := os.Getenv("BENCHRELAY_PRIVATE_KEY"); v != "" {
		cfg.GitHub.PrivateKey = v
	}
	if v := os.Getenv("BENCHRELAY_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 30000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.GitHub.Owner == "" {
		cfg.GitHub.Owner = "unitaryfund"
	}
	if len(cfg.GitHub.Repositories) == 0 {
		cfg.GitHub.Repositories = []string{"ucc", "ucc-bench"}
	}
	if cfg.Trigger.BaseBranch == "" {
		cfg.Trigger.BaseBranch = "main"
	}
	if len(cfg.Trigger.Events) == 0 {
		for _, kind := range relay.DefaultKinds {
			cfg.Trigger.Events = append(cfg.Trigger.Events, string(kind))
		}
	}
	if cfg.Trigger.Label == "" {
		cfg.Trigger.Label = relay.DefaultLabel
	}
	if cfg.Dispatch.Owner == "" {
		cfg.Dispatch.Owner = cfg.GitHub.Owner
	}
	if cfg.Dispatch.Repository == "" {
		cfg.Dispatch.Repository = "ucc-bench"
	}
	if cfg.Dispatch.EventType == "" {
		cfg.Dispatch.EventType = relay.DefaultEventType
	}
	if cfg.Dispatch.TimeoutMS == 0 {
		cfg.Dispatch.TimeoutMS = 20000
	}
	if cfg.Notifications.Topic == "" {
		cfg.Notifications.Topic = "benchrelay.outcomes"
	}
	if cfg.Notifications.GoChannel.OutputChannelBuffer == 0 {
		cfg.Notifications.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Notifications.HTTP.Mode == "" {
		cfg.Notifications.HTTP.Mode = "topic_url"
	}
}

func normalizeFilters(filters []Filter) ([]Filter, error) {
	out := make([]Filter, 0, len(filters))
	for i := range filters {
		filter := filters[i]
		filter.When = strings.TrimSpace(filter.When)
		if filter.When == "" {
			return nil, fmt.Errorf("filter %d is missing when", i)
		}
		if _, _, err := rewriteExpression(filter.When); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		out = append(out, filter)
	}
	return out, nil
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
