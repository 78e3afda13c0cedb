package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Cache         CacheConfig         `koanf:"cache"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	OTELCollector OTELCollectorConfig `koanf:"otelcollector"`
	Minio         MinioConfig         `koanf:"minio"`
	GCS           GCSConfig           `koanf:"gcs"`
	DocumentAI    DocumentAIConfig    `koanf:"documentai"`
	Model         ModelConfig         `koanf:"model"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Queue         QueueConfig         `koanf:"queue"`
	Worker        WorkerConfig        `koanf:"worker"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort int `koanf:"publicport" validate:"required"`
	HTTPS      struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug       bool `koanf:"debug"`
	MaxDataSize int  `koanf:"maxdatasize"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"required"`
	Name     string `koanf:"name" validate:"required"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// TemporalConfig is the Temporal client configuration.
type TemporalConfig struct {
	HostPort  string `koanf:"hostport" validate:"required"`
	Namespace string `koanf:"namespace" validate:"required"`
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// MinioConfig is the MinIO object storage configuration. MinIO is the
// default artifact storage.
type MinioConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Secure   bool   `koanf:"secure"`
	Region   string `koanf:"region"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an object
// storage backend. When a project is configured, GCS replaces MinIO as the
// artifact storage; Document AI requires it for its batch input and output.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// DocumentAIConfig defines the Document AI processors used for OCR and
// classification.
type DocumentAIConfig struct {
	ProjectID             string `koanf:"projectid"`
	Location              string `koanf:"location"`
	OCRProcessorID        string `koanf:"ocrprocessorid"`
	ClassifierProcessorID string `koanf:"classifierprocessorid"`
	OutputBucket          string `koanf:"outputbucket"`
}

// ModelConfig defines the configuration for AI model providers
type ModelConfig struct {
	DefaultFamily string       `koanf:"defaultfamily"`
	Gemini        GeminiConfig `koanf:"gemini"`
	OpenAI        OpenAIConfig `koanf:"openai"`
}

// GeminiConfig defines the configuration for Gemini AI
type GeminiConfig struct {
	APIKey string `koanf:"apikey"`
}

// OpenAIConfig defines the configuration for OpenAI
type OpenAIConfig struct {
	APIKey string `koanf:"apikey"`
}

// PipelineConfig holds the storage, table and topic identifiers of the
// consultation pipeline. Every identifier is required at process start.
type PipelineConfig struct {
	IntakeBucket      string `koanf:"intakebucket" validate:"required"`
	SilverBucket      string `koanf:"silverbucket" validate:"required"`
	GoldBucket        string `koanf:"goldbucket" validate:"required"`
	ConsultationTable string `koanf:"consultationtable" validate:"required"`
	JobTable          string `koanf:"jobtable" validate:"required"`
	RequestTable      string `koanf:"requesttable" validate:"required"`
	IntakeStream      string `koanf:"intakestream" validate:"required"`
	CompletionStream  string `koanf:"completionstream" validate:"required"`
	EventStream       string `koanf:"eventstream" validate:"required"`
	FanoutTopic       string `koanf:"fanouttopic" validate:"required"`
	EventSource       string `koanf:"eventsource" validate:"required"`

	EmbeddingMaxTokens int `koanf:"embeddingmaxtokens"`
	EmbeddingBatchSize int `koanf:"embeddingbatchsize"`
}

// QueueConfig controls the batch queue consumers.
type QueueConfig struct {
	ConsumerGroup  string        `koanf:"consumergroup" validate:"required"`
	ConsumerName   string        `koanf:"consumername"`
	BatchSize      int64         `koanf:"batchsize"`
	Concurrency    int           `koanf:"concurrency"`
	BlockTimeout   time.Duration `koanf:"blocktimeout"`
	RedeliveryIdle time.Duration `koanf:"redeliveryidle"`
	MaxDeliveries  int64         `koanf:"maxdeliveries"`
}

// WorkerConfig controls the Temporal stage job watcher.
type WorkerConfig struct {
	PollInterval time.Duration `koanf:"pollinterval"`
	MaxPolls     int           `koanf:"maxpolls"`
}

// defaults are loaded before the configuration file so that tuning knobs can
// be omitted. Pipeline identifiers have no default on purpose.
var defaults = map[string]any{
	"server.publicport":           8080,
	"temporal.namespace":          "default",
	"documentai.location":         "us",
	"model.defaultfamily":         "openai",
	"pipeline.embeddingmaxtokens": 512,
	"pipeline.embeddingbatchsize": 16,
	"queue.batchsize":             10,
	"queue.concurrency":           4,
	"queue.blocktimeout":          "5s",
	"queue.redeliveryidle":        "1m",
	"queue.maxdeliveries":         5,
	"worker.pollinterval":         "15s",
	"worker.maxpolls":             240,
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	cfg, err := Load(filePath)
	if err != nil {
		return err
	}
	Config = *cfg
	return nil
}

// Load reads the configuration layers (defaults, optional file, CFG_
// environment variables) and validates the result.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
