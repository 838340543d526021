package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the query engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Search    SearchConfig    `mapstructure:"search"`
	Gap       GapConfig       `mapstructure:"gap"`
	Expertise ExpertiseConfig `mapstructure:"expertise"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings for the checkpoint store.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings for the ledgers.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a lib/pq connection string from the discrete fields, or
// returns URL verbatim when it is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// VectorConfig contains vector store connection settings and collection names.
type VectorConfig struct {
	BaseURL                 string        `mapstructure:"base_url"`
	APIKey                  string        `mapstructure:"api_key"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	KnowledgeCollection     string        `mapstructure:"knowledge_collection"`
	ConversationsCollection string        `mapstructure:"conversations_collection"`
	ExpertiseCollection     string        `mapstructure:"expertise_collection"`
}

// Normalize applies defaults for unset vector store values.
func (v VectorConfig) Normalize() VectorConfig {
	if v.Timeout <= 0 {
		v.Timeout = 30 * time.Second
	}
	if v.MaxRetries <= 0 {
		v.MaxRetries = 3
	}
	if strings.TrimSpace(v.KnowledgeCollection) == "" {
		v.KnowledgeCollection = "knowledge_base"
	}
	if strings.TrimSpace(v.ConversationsCollection) == "" {
		v.ConversationsCollection = "conversations"
	}
	if strings.TrimSpace(v.ExpertiseCollection) == "" {
		v.ExpertiseCollection = "expertise_map"
	}
	return v
}

func (v VectorConfig) Validate() error {
	if strings.TrimSpace(v.BaseURL) == "" {
		return fmt.Errorf("vector.base_url is required")
	}
	return nil
}

// ProvidersConfig contains embedding and synthesis provider settings.
type ProvidersConfig struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
}

// EmbeddingConfig configures the embedding provider endpoint.
type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// SynthesisConfig configures the answer synthesis provider endpoint.
type SynthesisConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// PolicyConfig tunes the permission evaluator.
type PolicyConfig struct {
	HomeRegion string `mapstructure:"home_region"`
}

// Normalize applies the default home region.
func (p PolicyConfig) Normalize() PolicyConfig {
	p.HomeRegion = strings.ToUpper(strings.TrimSpace(p.HomeRegion))
	if p.HomeRegion == "" {
		p.HomeRegion = "US"
	}
	return p
}

// SearchConfig tunes the retrieval and ranking stages.
type SearchConfig struct {
	Limit          int     `mapstructure:"limit"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	RerankTopK     int     `mapstructure:"rerank_top_k"`
	SynthesisTopK  int     `mapstructure:"synthesis_top_k"`
}

// Normalize applies retrieval defaults.
func (s SearchConfig) Normalize() SearchConfig {
	if s.Limit <= 0 {
		s.Limit = 20
	}
	if s.RerankTopK <= 0 {
		s.RerankTopK = 20
	}
	if s.SynthesisTopK <= 0 {
		s.SynthesisTopK = 10
	}
	return s
}

// GapConfig tunes the knowledge gap detector.
type GapConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	LookbackLimit       int     `mapstructure:"lookback_limit"`
	MinClusterSize      int     `mapstructure:"min_cluster_size"`
	QualityFloor        float64 `mapstructure:"quality_floor"`
	HighPriorityUsers   int     `mapstructure:"high_priority_users"`
}

// Normalize applies detector defaults.
func (g GapConfig) Normalize() GapConfig {
	if g.SimilarityThreshold <= 0 {
		g.SimilarityThreshold = 0.8
	}
	if g.LookbackLimit <= 0 {
		g.LookbackLimit = 20
	}
	if g.MinClusterSize <= 0 {
		g.MinClusterSize = 10
	}
	if g.QualityFloor <= 0 {
		g.QualityFloor = 0.4
	}
	if g.HighPriorityUsers <= 0 {
		g.HighPriorityUsers = 5
	}
	return g
}

func (g GapConfig) Validate() error {
	if g.SimilarityThreshold < 0 || g.SimilarityThreshold > 1 {
		return fmt.Errorf("gap.similarity_threshold must be within [0,1]")
	}
	if g.QualityFloor < 0 || g.QualityFloor > 1 {
		return fmt.Errorf("gap.quality_floor must be within [0,1]")
	}
	return nil
}

// ExpertiseConfig tunes the expertise ledger: per-source action weights and
// recency decay bands.
type ExpertiseConfig struct {
	Weights map[string]float64 `mapstructure:"weights"`
	Decay   []DecayBand        `mapstructure:"decay"`
}

// DecayBand maps a maximum evidence age to a score multiplier.
type DecayBand struct {
	MaxAgeDays int     `mapstructure:"max_age_days"`
	Multiplier float64 `mapstructure:"multiplier"`
}

// Normalize fills in the default weight table and decay bands.
func (e ExpertiseConfig) Normalize() ExpertiseConfig {
	if len(e.Weights) == 0 {
		e.Weights = map[string]float64{
			"github/file":      2.0,
			"github/merged_pr": 1.5,
			"github/pr":        1.0,
			"github/issue":     0.5,
			"slack/answered":   1.5,
			"slack/authored":   1.0,
			"box/authored":     2.0,
		}
	}
	if len(e.Decay) == 0 {
		e.Decay = []DecayBand{
			{MaxAgeDays: 30, Multiplier: 1.0},
			{MaxAgeDays: 90, Multiplier: 0.8},
			{MaxAgeDays: 180, Multiplier: 0.5},
		}
	}
	return e
}

func (e ExpertiseConfig) Validate() error {
	prev := 0
	for _, b := range e.Decay {
		if b.MaxAgeDays <= prev {
			return fmt.Errorf("expertise.decay bands must have strictly increasing max_age_days")
		}
		if b.Multiplier < 0 {
			return fmt.Errorf("expertise.decay multiplier cannot be negative")
		}
		prev = b.MaxAgeDays
	}
	return nil
}

// ApprovalConfig tunes the human approval suspension.
type ApprovalConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Normalize applies approval defaults.
func (a ApprovalConfig) Normalize() ApprovalConfig {
	if a.Timeout <= 0 {
		a.Timeout = 24 * time.Hour
	}
	if a.SweepInterval <= 0 {
		a.SweepInterval = time.Minute
	}
	return a
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoadConfig loads config from file.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("search.limit", 20)
	viper.SetDefault("search.rerank_top_k", 20)
	viper.SetDefault("search.synthesis_top_k", 10)
	viper.SetDefault("gap.similarity_threshold", 0.8)
	viper.SetDefault("gap.lookback_limit", 20)
	viper.SetDefault("gap.min_cluster_size", 10)
	viper.SetDefault("gap.quality_floor", 0.4)
	viper.SetDefault("gap.high_priority_users", 5)
	viper.SetDefault("policy.home_region", "US")
	viper.SetDefault("approval.timeout", "24h")
	viper.SetDefault("approval.sweep_interval", "1m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ENGINEIQ")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (ENGINEIQ_*)

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Vector = config.Vector.Normalize()
	config.Policy = config.Policy.Normalize()
	config.Search = config.Search.Normalize()
	config.Gap = config.Gap.Normalize()
	config.Expertise = config.Expertise.Normalize()
	config.Approval = config.Approval.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Vector.Validate(); err != nil {
		panic(err)
	}
	if err := config.Gap.Validate(); err != nil {
		panic(err)
	}
	if err := config.Expertise.Validate(); err != nil {
		panic(err)
	}
	return &config
}
