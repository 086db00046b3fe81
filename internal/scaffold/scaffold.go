// Package scaffold writes new project files and migration templates.
package scaffold

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docmigrate/internal/config"
	"docmigrate/internal/migrator"
)

// ErrExists is returned when init would overwrite an existing file.
var ErrExists = errors.New("already exists")

// DefaultConfigFile is the file written by Init when no path is given.
const DefaultConfigFile = "config.yaml"

// Template is the default body of a new migration.
const Template = `package migration

import (
	"context"

	"docmigrate/pkg/docstore"
)

func Up(ctx context.Context, db docstore.Database, client docstore.Client) error {
	// Example:
	// return db.Collection("albums").InsertOne(ctx, docstore.Document{"artist": "The Beatles"})
	return nil
}

func Down(ctx context.Context, db docstore.Database, client docstore.Client) error {
	// Example:
	// _, err := db.Collection("albums").DeleteMany(ctx, docstore.Filter{"artist": "The Beatles"})
	// return err
	return nil
}
`

// Init writes a starter config file and an empty migrations directory.
// Neither may exist yet.
func Init(cfgPath, migrationsDir string) error {
	if cfgPath == "" {
		cfgPath = DefaultConfigFile
	}
	if migrationsDir == "" {
		migrationsDir = config.Default().MigrationsDir
	}
	for _, p := range []string{cfgPath, migrationsDir} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s %w", p, ErrExists)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", migrator.ErrIO, err)
		}
	}

	c := config.Default()
	c.Store = config.StoreConfig{URL: "mongodb://localhost:27017", DatabaseName: "YOURDATABASENAME"}
	c.MigrationsDir = migrationsDir
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}
	if err := os.WriteFile(filepath.Join(migrationsDir, ".gitkeep"), nil, 0o644); err != nil {
		return fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}
	if err := os.WriteFile(cfgPath, b, 0o644); err != nil {
		return fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}
	return nil
}

// Create writes a new migration named <timestamp>-<description><ext> in dir
// and returns its path. The body is copied from sample-migration<ext> when
// that file exists.
func Create(dir, description, ext string, now time.Time) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", errors.New("missing parameter: description")
	}
	if ext == "" {
		ext = ".go"
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: migrations directory %s does not exist, run init first", migrator.ErrIO, dir)
	}

	content := []byte(Template)
	sample, err := os.ReadFile(filepath.Join(dir, migrator.SampleName+ext))
	switch {
	case err == nil:
		content = sample
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}

	name := fmt.Sprintf("%s-%s%s", now.UTC().Format("20060102150405"), sanitizeName(description), ext)
	full := filepath.Join(dir, name)
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return "", fmt.Errorf("%w: %v", migrator.ErrIO, err)
	}
	return full, nil
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else if r == ' ' || r == '.' || r == '/' || r == '\\' {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "migration"
	}
	return string(out)
}
