// Package config loads process configuration from the environment, the way
// every swarmguard service does — no config file, no flags, just
// os.Getenv with defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the deployment's environment.
type Config struct {
	// API
	APIHost    string
	APIPort    int
	APIWorkers int

	// Store (Redis)
	StoreHost     string
	StorePort     int
	StoreDB       int
	StorePassword string

	// Worker
	WorkerMemoryLimit      int // percent
	WorkerBatchSize        int
	WorkerMaxThreads       int
	WorkerHeartbeatInterval time.Duration
	WorkerTimeout           time.Duration

	// Task
	TaskRetryLimit int
	TaskTimeout    time.Duration

	// Filesystem
	UploadDir           string
	ResultDir           string
	MaxFileSize         int64
	AllowedAudioFormats []string

	// Languages / engines
	SupportedLanguages []string
	STTModel           string
	WERThreshold       float64
	STTServiceURL      string
	MTServiceURL       string
	EngineTimeout      time.Duration
	PipelineFanOut     int

	// Janitor
	JanitorInterval      time.Duration
	TaskRetention        time.Duration
	ConsumerIdleGC       time.Duration

	// Stream/store key names
	StreamKey string
	GroupName string
}

// Load populates a Config from the environment, applying spec-mandated
// defaults for anything unset.
func Load() Config {
	return Config{
		APIHost:    getEnvDefault("API_HOST", "0.0.0.0"),
		APIPort:    getEnvInt("API_PORT", 8000),
		APIWorkers: getEnvInt("API_WORKERS", 5),

		StoreHost:     getEnvDefault("STORE_HOST", "localhost"),
		StorePort:     getEnvInt("STORE_PORT", 6379),
		StoreDB:       getEnvInt("STORE_DB", 0),
		StorePassword: getEnvDefault("STORE_PASSWORD", ""),

		WorkerMemoryLimit:       getEnvInt("WORKER_MEMORY_LIMIT", 90),
		WorkerBatchSize:         getEnvInt("WORKER_BATCH_SIZE", 1),
		WorkerMaxThreads:        getEnvInt("WORKER_MAX_THREADS", 10),
		WorkerHeartbeatInterval: getEnvSeconds("WORKER_HEARTBEAT_INTERVAL", 30),
		WorkerTimeout:           getEnvSeconds("WORKER_TIMEOUT", 300),

		TaskRetryLimit: getEnvInt("TASK_RETRY_LIMIT", 3),
		TaskTimeout:    getEnvSeconds("TASK_TIMEOUT", 1800),

		UploadDir:           getEnvDefault("UPLOAD_DIR", "temp/uploads"),
		ResultDir:           getEnvDefault("RESULT_DIR", "temp/results"),
		MaxFileSize:         getEnvInt64("MAX_FILE_SIZE", 100*1024*1024),
		AllowedAudioFormats: getEnvList("ALLOWED_AUDIO_FORMATS", []string{".mp3"}),

		SupportedLanguages: getEnvList("SUPPORTED_LANGUAGES", []string{"en", "zh-CN", "zh-TW", "ja"}),
		STTModel:           getEnvDefault("STT_MODEL", "base"),
		WERThreshold:       getEnvFloat("WER_THRESHOLD", 0.3),
		STTServiceURL:      getEnvDefault("STT_SERVICE_URL", "http://localhost:9001"),
		MTServiceURL:       getEnvDefault("MT_SERVICE_URL", "http://localhost:9002"),
		EngineTimeout:      getEnvSeconds("ENGINE_TIMEOUT", 60),
		PipelineFanOut:     getEnvInt("PIPELINE_FAN_OUT", 4),

		JanitorInterval: getEnvSeconds("JANITOR_INTERVAL", 3600),
		TaskRetention:   getEnvSeconds("TASK_RETENTION", 24*3600),
		ConsumerIdleGC:  getEnvMillis("CONSUMER_IDLE_GC_MS", 3600000),

		StreamKey: getEnvDefault("STREAM_KEY", "translation_tasks"),
		GroupName: getEnvDefault("GROUP_NAME", "translation_workers"),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defSeconds) * time.Second
}

func getEnvMillis(key string, defMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMillis) * time.Millisecond
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
