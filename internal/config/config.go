package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort         int
	DBPath           string
	SessionSecret    string
	SessionPath      string
	AttachmentDir    string
	AttachmentBase   string
	GoogleClientID   string
	GoogleSecret     string
	RedirectURL      string
	TokenInfoURL     string
	RevokeURL        string
	ClassifierURL    string
	FetchConcurrency int
	MaxResults       int
}

func Load() Config {
	return Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 5000),
		DBPath:           getEnvString("DB_PATH", ""),
		SessionSecret:    getEnvString("SESSION_SECRET", ""),
		SessionPath:      getEnvString("SESSION_PATH", ""),
		AttachmentDir:    getEnvString("ATTACHMENT_DIR", "./attachments"),
		AttachmentBase:   getEnvString("ATTACHMENT_BASE_URL", "/files"),
		GoogleClientID:   getEnvString("GOOGLE_CLIENT_ID", ""),
		GoogleSecret:     getEnvString("GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:      getEnvString("OAUTH_REDIRECT_URL", "http://localhost:5000/api/oauth2callback"),
		TokenInfoURL:     getEnvString("TOKENINFO_URL", "https://oauth2.googleapis.com/tokeninfo"),
		RevokeURL:        getEnvString("REVOKE_URL", "https://oauth2.googleapis.com/revoke"),
		ClassifierURL:    getEnvString("CLASSIFIER_URL", "http://localhost:8000"),
		FetchConcurrency: getEnvInt("FETCH_CONCURRENCY", 10),
		MaxResults:       getEnvInt("MAX_RESULTS", 20),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
