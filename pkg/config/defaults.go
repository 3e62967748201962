// Package config provides centralized default values for traffic-takip
package config

import (
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var envLoaded sync.Once

func loadEnvFile() {
	envLoaded.Do(func() {
		if err := godotenv.Load(); err != nil {
			return
		}
		log.Println("Loading configuration overrides from .env file...")
	})
}

func getEnvInt(key string, defaultValue int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%d (default: %d)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvString(key string, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		if val != defaultValue {
			log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
		}
		return val
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(valStr, 64); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%f (default: %f)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := time.ParseDuration(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

var (
	// Server Configuration
	Port               string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration

	// Redis Configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Presence TTL Configuration
	PresenceTTL        time.Duration
	PresenceTTLPassive time.Duration
	TombstoneTTL       time.Duration
	SeenLeaveTTL       time.Duration

	// EMA Configuration
	EMAAlpha          float64
	EMAUpdateInterval time.Duration

	// WebSocket Fleet Configuration
	WSPingInterval  time.Duration
	WSPongMissLimit int
	WSWriteTimeout  time.Duration

	// Client Transport Configuration
	PollingInterval           time.Duration
	PollingIntervalPassive    time.Duration
	TTLRefreshInterval        time.Duration
	TTLRefreshIntervalPassive time.Duration

	// Disconnect Resolver Configuration
	DisconnectGrace       time.Duration
	DisconnectVerifyDelay time.Duration
	DisconnectTTLFloor    time.Duration

	// Rate Limit Advertisement
	RateLimitWindow   time.Duration
	RateLimitRequests int

	// SysOp Configuration
	SysopPassword string
	JWTSecret     string

	// CORS
	AllowedOrigins string
)

func init() {
	loadEnvFile()

	// Server Configuration
	Port = getEnvString("PORT", "8080")
	ServerReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second)
	ServerWriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second)
	ServerIdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second)

	// Redis Configuration
	RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	RedisPassword = getEnvString("REDIS_PASSWORD", "")
	RedisDB = getEnvInt("REDIS_DB", 0)

	// Presence TTL Configuration
	PresenceTTL = getEnvDuration("PRESENCE_TTL", 600*time.Second)
	PresenceTTLPassive = getEnvDuration("PRESENCE_TTL_PASSIVE", 300*time.Second)
	TombstoneTTL = getEnvDuration("LEAVE_TOMBSTONE_TTL", 30*time.Second)
	SeenLeaveTTL = getEnvDuration("SEEN_LEAVE_TTL", 30*time.Second)

	// EMA Configuration
	EMAAlpha = getEnvFloat("EMA_ALPHA", 0.2)
	EMAUpdateInterval = getEnvDuration("EMA_UPDATE_INTERVAL", 30*time.Second)

	// WebSocket Fleet Configuration
	WSPingInterval = getEnvDuration("WS_PING_INTERVAL", 25*time.Second)
	WSPongMissLimit = getEnvInt("WS_PONG_MISS_LIMIT", 2)
	WSWriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second)

	// Client Transport Configuration
	PollingInterval = getEnvDuration("POLLING_INTERVAL", 45*time.Second)
	PollingIntervalPassive = getEnvDuration("POLLING_INTERVAL_PASSIVE", 90*time.Minute)
	TTLRefreshInterval = getEnvDuration("TTL_REFRESH_INTERVAL", 2*time.Minute)
	TTLRefreshIntervalPassive = getEnvDuration("TTL_REFRESH_INTERVAL_PASSIVE", 90*time.Minute)

	// Disconnect Resolver Configuration
	DisconnectGrace = getEnvDuration("DISCONNECT_GRACE", 500*time.Millisecond)
	DisconnectVerifyDelay = getEnvDuration("DISCONNECT_VERIFY_DELAY", 10*time.Second)
	DisconnectTTLFloor = getEnvDuration("DISCONNECT_TTL_FLOOR", 15*time.Second)

	// Rate Limiting
	RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", time.Minute)
	RateLimitRequests = getEnvInt("RATE_LIMIT_REQUESTS", 300)

	// SysOp Configuration
	SysopPassword = getEnvString("SYSOP_PASSWORD", "")
	JWTSecret = getEnvString("JWT_SECRET", "")

	// CORS
	AllowedOrigins = getEnvString("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
}
