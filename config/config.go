package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	StorageType    string
	DataSourceName string

	// Redis relay, disabled when RedisURL is empty.
	RedisURL           string
	RedisChannelPrefix string

	// JWTSecret enables token verification; empty trusts the join payload.
	JWTSecret      string
	AllowedOrigins []string

	WSMaxMessageBytes int64
	WSWriteTimeout    time.Duration
	WSSendBuffer      int
}

// Load reads .env from the working directory when present, then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		ListenAddr:         getenv("LISTEN_ADDR", ":3002"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		LogFormat:          getenv("LOG_FORMAT", "text"),
		StorageType:        getenv("STORAGE_TYPE", "memory"),
		DataSourceName:     getenv("DATA_SOURCE_NAME", ""),
		RedisURL:           getenv("REDIS_URL", ""),
		RedisChannelPrefix: getenv("REDIS_CHANNEL_PREFIX", "collab:"),
		JWTSecret:          getenv("JWT_SECRET", ""),
		AllowedOrigins:     getenvList("ALLOWED_ORIGINS"),
		WSMaxMessageBytes:  int64(getenvInt("WS_MAX_MESSAGE_BYTES", 5000000)),
		WSWriteTimeout:     getenvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		WSSendBuffer:       getenvInt("WS_SEND_BUFFER", 256),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		logrus.WithField("key", key).Warn("Invalid integer in environment, using default")
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		logrus.WithField("key", key).Warn("Invalid duration in environment, using default")
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
