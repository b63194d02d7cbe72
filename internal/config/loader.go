package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1 << 20 // 1MB, mirrors the teacher's config file ceiling

// ConfigDirName is the XDG-style directory cass uses under the user's home,
// analogous to contextd's own ~/.config/contextd convention.
const ConfigDirName = "cass"

// DefaultConfigFileName is the YAML file loaded from the config directory
// when no explicit path is given to Load.
const DefaultConfigFileName = "config.yaml"

// Load resolves the default config file path (~/.config/cass/config.yaml)
// and loads it, applying the §6.4 environment overrides on top. A missing
// file is not an error: Default() plus environment overrides is used.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	path := filepath.Join(home, ".config", ConfigDirName, DefaultConfigFileName)
	return LoadWithFile(path)
}

// LoadWithFile loads configuration from the given YAML file path (if it
// exists) layered under Default(), then applies the §6.4 environment
// variable overrides, then validates. Reading is done via an already-opened
// file descriptor to avoid a TOCTOU race between a path-permission check and
// the actual read.
func LoadWithFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := validateConfigPath(path); err != nil {
			return nil, fmt.Errorf("config path rejected: %w", err)
		}

		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			info, statErr := f.Stat()
			if statErr != nil {
				return nil, fmt.Errorf("stat config file: %w", statErr)
			}
			if err := validateConfigFileProperties(info); err != nil {
				return nil, fmt.Errorf("config file rejected: %w", err)
			}
			buf := make([]byte, info.Size())
			if _, err := f.Read(buf); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			k := koanf.New(".")
			if err := k.Load(rawbytes.Provider(buf), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			if err := k.Unmarshal("", cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file on disk: Default() plus env overrides stands.
		default:
			return nil, fmt.Errorf("open config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies exactly the fixed environment contract of
// spec.md §6.4. Unlike the teacher's generic SECTION_FIELD koanf env
// transformer, the engine recognizes only this small, enumerated set —
// there are no magic environment lookups beyond it.
func applyEnvOverrides(cfg *Config) {
	if os.Getenv("CASS_OFFLINE") == "1" {
		cfg.Offline = true
	}
	if v := os.Getenv("CASS_SEMANTIC_AUTODOWNLOAD"); v != "" {
		switch v {
		case "ask", "true", "false":
			cfg.Model.AutoDownload = v
		}
	}
	if v := os.Getenv("CASS_SEMANTIC_EMBEDDER"); v == "hash" {
		cfg.Embed.DefaultEmbedderID = "hash"
	}
	if os.Getenv("CASS_IGNORE_SOURCES_CONFIG") == "1" {
		cfg.Ingest.IgnoreSourcesConfig = true
	}
}

// EnsureConfigDir creates the config directory (0700) if it does not
// already exist, mirroring the teacher's EnsureConfigDir.
func EnsureConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".config", ConfigDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// validateConfigPath resolves symlinks and rejects any config path outside
// the allowed set of directories: the user's ~/.config/cass, or /etc/cass
// for system-wide deployment.
func validateConfigPath(path string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	allowed := []string{
		filepath.Join(home, ".config", ConfigDirName),
		filepath.Join(string(filepath.Separator), "etc", ConfigDirName),
	}

	resolved := path
	if real, err := filepath.EvalSymlinks(path); err == nil {
		resolved = real
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	for _, dir := range allowed {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absDir, resolved)
		if err == nil && rel == "." {
			return nil
		}
		if err == nil && !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config path %s is outside allowed directories", path)
}

// validateConfigFileProperties rejects world/group-readable or oversized
// config files. Takes FileInfo from an already-opened descriptor to avoid
// a TOCTOU race between stat and read.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
