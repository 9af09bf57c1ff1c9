package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and bare
// $VAR references. Groups: 1 name, 2 modifier ("-" or "?"), 3 modifier
// value, 4 bare name. Bare references must be upper case so argon2 hashes
// and similar values pass through.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads a YAML config file over DefaultConfig. It loads .env and
// .env.local first, expands environment references and resolves relative
// paths against the file's directory. It does not validate; resolve
// secrets, then call Validate.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig. Environment references are not
// expanded.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.applyDerived()
	return cfg, nil
}

// FindConfigFile returns the first config file present in the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"clawgate.yaml",
		"clawgate.yml",
		"config.yaml",
		"configs/clawgate.yaml",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "clawgate", "clawgate.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files from the working directory. Variables
// already set in the environment win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnv substitutes environment references. Unset ${VAR} and $VAR are
// left as written; unset ${VAR:-d} becomes d; unset ${VAR:?msg} is an
// error naming the variable.
func expandEnv(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if missing == nil {
				missing = fmt.Errorf("%s: %s", name, value)
			}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths makes file paths absolute against the config
// file's directory and expands a leading ~/.
func resolveRelativePaths(cfg *Config, configDir string) {
	if cfg.Database.SQLite.Path != "" {
		cfg.Database.SQLite.Path = resolvePath(cfg.Database.SQLite.Path, configDir)
	}
	if cfg.Sandbox.RootDir != "" {
		cfg.Sandbox.RootDir = resolvePath(cfg.Sandbox.RootDir, configDir)
	}
	for name, cls := range cfg.Sandbox.Classes {
		if cls.GoldenDir != "" {
			cls.GoldenDir = resolvePath(cls.GoldenDir, configDir)
			cfg.Sandbox.Classes[name] = cls
		}
	}
}

func resolvePath(path, configDir string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is readable by group or
// others; it may hold the gateway token.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
