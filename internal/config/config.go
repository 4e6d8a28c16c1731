// Package config loads the environment configuration and the worker catalog.
// Everything is optional with defaults so a single-host compose stack comes
// up with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ehrlich-b/smi/internal/job"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	// Gateway
	APIKey          string
	RootDomain      string
	GatewayAddr     string
	ConfigPath      string
	PollingDeadline time.Duration
	KeepAlive       int // default keep-alive, minutes

	// Broker
	RabbitHost     string
	RabbitPort     int
	RabbitUser     string
	RabbitPassword string

	// Job store
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Services
	ServiceAddrs map[job.Type]string
	ServiceAddr  string // listen address for the service process

	// Object store
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageSecure    bool
	StorageTTLDays   int

	// Streaming
	StreamPortLo int
	StreamPortHi int

	// Engines
	OllamaURL      string
	ImageEngineURL string
	TTSEngineURL   string
	STTEngineURL   string

	// Misc
	TempPath        string
	ServicesNetwork string
	PruneSchedule   string
}

// FromEnv builds a Config from SMI_* environment variables.
func FromEnv() *Config {
	return &Config{
		APIKey:          os.Getenv("SMI_API_KEY"),
		RootDomain:      envString("SMI_ROOT_DOMAIN", "localhost"),
		GatewayAddr:     envString("SMI_GATEWAY_ADDR", ":8999"),
		ConfigPath:      envString("SMI_CONFIG_PATH", "./configs"),
		PollingDeadline: time.Duration(envInt("SMI_POLLING_DEADLINE", 500)) * time.Second,
		KeepAlive:       envInt("SMI_KEEP_ALIVE", 10),

		RabbitHost:     envString("SMI_RABBIT_HOST", "localhost"),
		RabbitPort:     envInt("SMI_RABBIT_PORT", 5672),
		RabbitUser:     envString("SMI_RABBIT_USER", "guest"),
		RabbitPassword: envString("SMI_RABBIT_PASSWORD", "guest"),

		RedisHost:     envString("SMI_REDIS_HOST", "localhost"),
		RedisPort:     envInt("SMI_REDIS_PORT", 6379),
		RedisPassword: os.Getenv("SMI_REDIS_PASSWORD"),

		ServiceAddrs: map[job.Type]string{
			job.ImageGeneration: envString("SMI_IMAGE_SERVICE_ADDR", "localhost:55001"),
			job.LLMGeneration:   envString("SMI_LLM_SERVICE_ADDR", "localhost:55002"),
			job.AudioGeneration: envString("SMI_AUDIO_SERVICE_ADDR", "localhost:55003"),
			job.VideoGeneration: envString("SMI_VIDEO_SERVICE_ADDR", "localhost:55004"),
		},
		ServiceAddr: envString("SMI_SERVICE_ADDR", ":55001"),

		StorageEndpoint:  envString("SMI_STORAGE_ENDPOINT", "localhost:9000"),
		StorageAccessKey: envString("SMI_STORAGE_ACCESS_KEY", "minioadmin"),
		StorageSecretKey: envString("SMI_STORAGE_SECRET_KEY", "minioadmin"),
		StorageSecure:    envBool("SMI_STORAGE_SECURE", false),
		StorageTTLDays:   envInt("SMI_STORAGE_TTL_DAYS", 7),

		StreamPortLo: envInt("SMI_STREAM_PORT_LO", 15000),
		StreamPortHi: envInt("SMI_STREAM_PORT_HI", 16000),

		OllamaURL:      envString("SMI_OLLAMA_URL", "http://localhost:11434"),
		ImageEngineURL: envString("SMI_IMAGE_ENGINE_URL", "http://localhost:7860"),
		TTSEngineURL:   envString("SMI_TTS_ENGINE_URL", "http://localhost:5002"),
		STTEngineURL:   envString("SMI_STT_ENGINE_URL", "http://localhost:9002"),

		TempPath:        envString("SMI_TEMP_PATH", os.TempDir()),
		ServicesNetwork: envString("SMI_SERVICES_NETWORK", "smi"),
		PruneSchedule:   envString("SMI_PRUNE_SCHEDULE", "0 3 * * *"),
	}
}

// RabbitURL returns the AMQP connection URL.
func (c *Config) RabbitURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.RabbitUser, c.RabbitPassword, c.RabbitHost, c.RabbitPort)
}

// RedisAddr returns the job store address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
