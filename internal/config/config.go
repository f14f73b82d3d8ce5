// Package config reads defaults for the command line from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds settings that may come from READER_* environment variables.
// Command line flags take precedence over everything here.
type Config struct {
	Account           string
	Password          string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRefreshToken string

	OutputDirectory string
	APIBase         string
	CacheDirectory  string
	Parallelism     int
	HTTPRetryCount  int

	DatabaseType string
	DatabaseURL  string
	ListenAddr   string
}

// Default values.
const (
	DefaultOutputDirectory = "reader-archive"
	DefaultAPIBase         = "https://www.google.com/reader/api/0/"
	DefaultParallelism     = 10
	DefaultHTTPRetryCount  = 10
	DefaultDatabaseType    = "sqlite"
	DefaultDatabaseFile    = "archive-index.db"
	DefaultListenAddr      = "127.0.0.1:8080"
)

// Load reads .env files (if present) into the environment and then builds a
// Config from it. Missing .env files are not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config using lookup to read variables.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	get := func(name, def string) string {
		if v, ok := lookup("READER_" + name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	var errs []error
	getInt := func(name string, def int) int {
		raw := get(name, "")
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("READER_%s: invalid value %q", name, raw))
			return def
		}
		return v
	}

	cfg := Config{
		Account:           get("ACCOUNT", ""),
		Password:          get("PASSWORD", ""),
		OAuthClientID:     get("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: get("OAUTH_CLIENT_SECRET", ""),
		OAuthRefreshToken: get("OAUTH_REFRESH_TOKEN", ""),
		OutputDirectory:   get("OUTPUT_DIRECTORY", DefaultOutputDirectory),
		APIBase:           get("API_BASE", DefaultAPIBase),
		CacheDirectory:    get("CACHE_DIRECTORY", ""),
		Parallelism:       getInt("PARALLELISM", DefaultParallelism),
		HTTPRetryCount:    getInt("HTTP_RETRY_COUNT", DefaultHTTPRetryCount),
		DatabaseType:      strings.ToLower(get("DB_TYPE", DefaultDatabaseType)),
		DatabaseURL:       get("DB_URL", ""),
		ListenAddr:        get("LISTEN_ADDR", DefaultListenAddr),
	}
	if !strings.HasSuffix(cfg.APIBase, "/") {
		cfg.APIBase += "/"
	}
	return cfg, errors.Join(errs...)
}

// DatabaseDSN returns the index connection string, defaulting SQLite to a
// file inside the archive directory.
func (c Config) DatabaseDSN(archiveDir string) string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DatabaseType == DefaultDatabaseType {
		return filepath.Join(archiveDir, DefaultDatabaseFile)
	}
	return ""
}

// HasOAuth reports whether OAuth credentials are configured.
func (c Config) HasOAuth() bool {
	return c.OAuthRefreshToken != ""
}

// HasClientLogin reports whether account credentials are configured.
func (c Config) HasClientLogin() bool {
	return c.Account != "" && c.Password != ""
}
