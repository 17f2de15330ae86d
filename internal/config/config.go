package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the waveroll CLI and engine.
type Config struct {
	SampleRate     int
	TickInterval   time.Duration
	AutoPauseGuard time.Duration
	Repeat         bool
	SourceDir      string // directory of audio files watched for changes; empty disables
	LogLevel       string
	LogFile        string
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads a .env file from the working directory when present (without
// overriding variables already set) and returns the resolved configuration.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv resolves configuration from the process environment only.
func FromEnv() *Config {
	cfg := &Config{
		SampleRate:     getEnvInt("WAVEROLL_SAMPLE_RATE", 48000),
		TickInterval:   getEnvMillis("WAVEROLL_TICK_MS", 16*time.Millisecond),
		AutoPauseGuard: getEnvMillis("WAVEROLL_AUTOPAUSE_GUARD_MS", 150*time.Millisecond),
		Repeat:         getEnvBool("WAVEROLL_REPEAT", false),
		SourceDir:      getEnv("WAVEROLL_SOURCE_DIR", ""),
		LogLevel:       getEnv("WAVEROLL_LOG_LEVEL", "info"),
		LogFile:        getEnv("WAVEROLL_LOG_FILE", ""),
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	return cfg
}
