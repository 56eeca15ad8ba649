package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	PolicyFile  string `mapstructure:"policy_file"`

	// MongoDB (optional persistence; memory store when empty)
	MongoURI string `mapstructure:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"`

	// GovernanceBackend selects where enforcement actions, transitions and
	// appeals live: "primary" (same store as everything else) or "firestore".
	GovernanceBackend string `mapstructure:"governance_backend"`
	FirestoreProject  string `mapstructure:"firestore_project"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaGroupID     string   `mapstructure:"kafka_group_id"`
	KafkaFactsTopic  string   `mapstructure:"kafka_facts_topic"`
	KafkaOffersTopic string   `mapstructure:"kafka_offers_topic"`
	KafkaEventsTopic string   `mapstructure:"kafka_events_topic"`

	LmstfyHost      string `mapstructure:"lmstfy_host"`
	LmstfyPort      int    `mapstructure:"lmstfy_port"`
	LmstfyNamespace string `mapstructure:"lmstfy_namespace"`
	LmstfyToken     string `mapstructure:"lmstfy_token"`
	LmstfyQueue     string `mapstructure:"lmstfy_queue"`

	CatalogURL string `mapstructure:"catalog_url"`
	// DefaultCurrency lets the static catalog resolve any item id when no
	// catalog service is configured.
	DefaultCurrency string `mapstructure:"default_currency"`
	IdentityURL     string `mapstructure:"identity_url"`
	// AdminIDs is the static administrator allowlist used when no identity
	// service is configured.
	AdminIDs []string `mapstructure:"admin_ids"`

	RecomputeWorkers int `mapstructure:"recompute_workers"`

	// OTLPEndpoint enables metric export to an OpenTelemetry collector.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that YAML file. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("policy_file", "")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_db", "marketplace")
	v.SetDefault("governance_backend", "primary")
	v.SetDefault("firestore_project", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("lock_ttl", "30s")
	v.SetDefault("cache_ttl", "1h")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_group_id", "offer-ranking")
	v.SetDefault("kafka_facts_topic", "seller.behavioral_facts")
	v.SetDefault("kafka_offers_topic", "catalog.offer_changes")
	v.SetDefault("kafka_events_topic", "")
	v.SetDefault("lmstfy_host", "")
	v.SetDefault("lmstfy_port", 7777)
	v.SetDefault("lmstfy_namespace", "marketplace")
	v.SetDefault("lmstfy_token", "")
	v.SetDefault("lmstfy_queue", "winner_recompute")
	v.SetDefault("catalog_url", "")
	v.SetDefault("identity_url", "")
	v.SetDefault("default_currency", "")
	v.SetDefault("admin_ids", []string{})
	v.SetDefault("recompute_workers", 8)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("otlp_insecure", false)
	v.SetDefault("read_timeout", "10s")
	v.SetDefault("write_timeout", "20s")
	v.SetDefault("idle_timeout", "60s")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Comma-separated env values arrive as a single element.
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.AdminIDs = splitList(cfg.AdminIDs)
	cfg.CatalogURL = strings.TrimRight(strings.TrimSpace(cfg.CatalogURL), "/")
	cfg.IdentityURL = strings.TrimRight(strings.TrimSpace(cfg.IdentityURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.GovernanceBackend {
	case "primary":
	case "firestore":
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("firestore_project is required when governance_backend=firestore"))
		}
	default:
		errs = append(errs, fmt.Errorf("governance_backend must be primary or firestore, got %q", c.GovernanceBackend))
	}
	if c.RecomputeWorkers < 1 {
		errs = append(errs, errors.New("recompute_workers must be >= 1"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be > 0"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache_ttl must be > 0"))
	}
	if c.LmstfyHost != "" && c.LmstfyToken == "" {
		errs = append(errs, errors.New("lmstfy_token is required when lmstfy_host is set"))
	}
	return errors.Join(errs...)
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
