package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env from the working directory if present. A missing file
// is not an error.
func LoadEnv() {
	_ = godotenv.Load()
}

func GetEnv(key string, fallback ...string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

func GetEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(GetEnv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func GetEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(GetEnv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func GetEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(GetEnv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(GetEnv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func CreateFolder(folderPath string) error {
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return fmt.Errorf("error creating folder %s: %w", folderPath, err)
	}
	return nil
}

// GenerateUniqueID returns a time-prefixed random identifier.
func GenerateUniqueID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(buf)
}
