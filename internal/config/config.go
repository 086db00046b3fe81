package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid marks missing or malformed configuration.
var ErrInvalid = errors.New("invalid configuration")

// Migration kinds.
const (
	KindScript = "script"
	KindGo     = "go"
)

// StoreConfig describes the document store connection.
type StoreConfig struct {
	URL          string         `mapstructure:"url" yaml:"url"`
	DatabaseName string         `mapstructure:"database_name" yaml:"database_name"`
	Options      map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Store               StoreConfig `mapstructure:"store" yaml:"store"`
	MigrationsDir       string      `mapstructure:"migrations_dir" yaml:"migrations_dir"`
	ChangelogCollection string      `mapstructure:"changelog_collection" yaml:"changelog_collection"`
	LockCollection      string      `mapstructure:"lock_collection" yaml:"lock_collection"`
	LockTTLSeconds      int         `mapstructure:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
	UseFileHash         bool        `mapstructure:"use_file_hash" yaml:"use_file_hash"`
	FileExtension       string      `mapstructure:"file_extension" yaml:"file_extension"`
	Kind                string      `mapstructure:"kind" yaml:"kind"` // script|go
	LogLevel            string      `mapstructure:"log_level" yaml:"log_level"`
	LogFormat           string      `mapstructure:"log_format" yaml:"log_format"`
}

func Default() Config {
	return Config{
		MigrationsDir:       "./migrations",
		ChangelogCollection: "changelog",
		LockCollection:      "changelog_lock",
		FileExtension:       ".go",
		Kind:                KindScript,
		LogLevel:            "info",
		LogFormat:           "auto",
	}
}

// LockingEnabled reports whether the lock collection is in use.
func (c Config) LockingEnabled() bool {
	return c.LockTTLSeconds > 0 && c.LockCollection != ""
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"url":             "store.url",
	"database":        "store.database_name",
	"dir":             "migrations_dir",
	"changelog":       "changelog_collection",
	"lock_collection": "lock_collection",
	"lock_ttl":        "lock_ttl_seconds",
	"file_hash":       "use_file_hash",
	"kind":            "kind",
	"log_level":       "log_level",
}

// Load reads configuration from defaults, a .env file, the config file,
// DOCMIGRATE_* environment variables and flags, in increasing priority.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("DOCMIGRATE")
	v.AutomaticEnv()

	def := Default()
	_ = v.MergeConfigMap(map[string]any{
		"store": map[string]any{
			"url":           def.Store.URL,
			"database_name": def.Store.DatabaseName,
			"options":       map[string]any{},
		},
		"migrations_dir":       def.MigrationsDir,
		"changelog_collection": def.ChangelogCollection,
		"lock_collection":      def.LockCollection,
		"lock_ttl_seconds":     def.LockTTLSeconds,
		"use_file_hash":        def.UseFileHash,
		"file_extension":       def.FileExtension,
		"kind":                 def.Kind,
		"log_level":            def.LogLevel,
		"log_format":           def.LogFormat,
	})

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := readAndExpandFile(v, configFile); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := tryReadAndExpand(v); err != nil {
			return Config{}, err
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, err
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c.normalize()
}

// normalize validates required fields and fills defaults.
func (c Config) normalize() (Config, error) {
	def := Default()
	if c.Store.URL == "" {
		return Config{}, fmt.Errorf("%w: store.url is required (env DOCMIGRATE_STORE_URL or config store.url)", ErrInvalid)
	}
	if c.Store.DatabaseName == "" {
		return Config{}, fmt.Errorf("%w: store.database_name is required", ErrInvalid)
	}
	if c.LockTTLSeconds < 0 {
		c.LockTTLSeconds = 0
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = def.MigrationsDir
	}
	if !filepath.IsAbs(c.MigrationsDir) {
		if p, err := filepath.Abs(c.MigrationsDir); err == nil {
			c.MigrationsDir = p
		}
	}
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind != KindScript && c.Kind != KindGo {
		c.Kind = def.Kind
	}
	if c.ChangelogCollection == "" {
		c.ChangelogCollection = def.ChangelogCollection
	}
	if c.FileExtension == "" {
		c.FileExtension = def.FileExtension
	}
	if !strings.HasPrefix(c.FileExtension, ".") {
		c.FileExtension = "." + c.FileExtension
	}
	if c.Store.Options == nil {
		c.Store.Options = map[string]any{}
	}
	return c, nil
}

func readAndExpandFile(v *viper.Viper, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := os.ExpandEnv(string(b))
	return v.MergeConfig(strings.NewReader(expanded))
}

func tryReadAndExpand(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// a missing default config is fine
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	path := v.ConfigFileUsed()
	if path == "" {
		return nil
	}
	return readAndExpandFile(v, path)
}
