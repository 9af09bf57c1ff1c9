package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Gateway.Address != "127.0.0.1:8085" {
		t.Errorf("gateway address = %q", cfg.Gateway.Address)
	}
	if cfg.Scheduler.Reap != "@every 15s" {
		t.Errorf("reap schedule = %q, want derived from reap_interval", cfg.Scheduler.Reap)
	}
	if len(cfg.Sandbox.Classes) != 2 {
		t.Errorf("classes = %v", cfg.Sandbox.ClassNames())
	}
	if cfg.Logging.Format != "json" || cfg.Logging.SlogLevel().String() != "INFO" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
logging:
  level: debug
  format: text
gateway:
  address: 127.0.0.1:9000
  rate_limit:
    per_identity: 5
sandbox:
  reap_interval: 30s
  classes:
    python:
      max_instances: 2
      warm_target: 1
      limits:
        wall_clock: 20s
scheduler:
  verify_audit: "daily at 3:30am"
profiles:
  reviewer:
    description: read-only review
    allow: ["fs.read", "git.status"]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Logging.SlogLevel().String() != "DEBUG" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Gateway.Address != "127.0.0.1:9000" || cfg.Gateway.RateLimit.PerIdentity != 5 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.RateLimit.IdentityBurst != 100 {
		t.Errorf("unset rate limit field lost its default: %+v", cfg.Gateway.RateLimit)
	}
	if cfg.Scheduler.Reap != "@every 30s" {
		t.Errorf("reap schedule = %q", cfg.Scheduler.Reap)
	}
	if got := strings.Join(cfg.Sandbox.ClassNames(), ","); got != "browser,coding,python" {
		t.Errorf("classes = %s", got)
	}
	py := cfg.Sandbox.Classes["python"].Effective()
	if py.MaxInstances != 2 || py.Limits.WallClock != 20*time.Second || py.Backend != "process" {
		t.Errorf("python class = %+v", py)
	}
	if _, ok := cfg.Profiles["reviewer"]; !ok {
		t.Error("custom profile not parsed")
	}
}

func TestParseExplicitReapWins(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("sandbox:\n  reap_interval: 30s\nscheduler:\n  reap: \"off\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Reap != "off" {
		t.Errorf("reap schedule = %q, want off", cfg.Scheduler.Reap)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte("gateway: [unclosed")); err == nil {
		t.Fatal("Parse() succeeded on malformed YAML")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_HOST", "db.internal")
	t.Setenv("CLAWGATE_TEST_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{"braced", "host: ${CLAWGATE_TEST_HOST}", "host: db.internal", ""},
		{"bare", "host: $CLAWGATE_TEST_HOST", "host: db.internal", ""},
		{"set but empty", "v: ${CLAWGATE_TEST_EMPTY:-fallback}", "v: ", ""},
		{"default", "port: ${CLAWGATE_TEST_PORT_UNSET:-5432}", "port: 5432", ""},
		{"unset kept", "token: ${CLAWGATE_TEST_TOKEN_UNSET}", "token: ${CLAWGATE_TEST_TOKEN_UNSET}", ""},
		{"lower case bare untouched", "hash: $argon2id$v=19", "hash: $argon2id$v=19", ""},
		{"required set", "h: ${CLAWGATE_TEST_HOST:?need host}", "h: db.internal", ""},
		{"required unset", "t: ${CLAWGATE_TEST_REQ_UNSET:?set the token}", "", "CLAWGATE_TEST_REQ_UNSET: set the token"},
		{"required no message", "t: ${CLAWGATE_TEST_REQ_UNSET:?}", "", "required environment variable not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnv(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expandEnv() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandEnv() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("expandEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clawgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadResolvesPaths(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_ROOT", "/var/lib/clawgate/sandboxes")

	path := writeConfig(t, `
database:
  sqlite:
    path: data/audit.db
sandbox:
  root_dir: ${CLAWGATE_TEST_ROOT}
  classes:
    coding:
      golden_dir: ./golden/coding
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	dir := filepath.Dir(path)
	if want := filepath.Join(dir, "data", "audit.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Database.SQLite.Path, want)
	}
	if cfg.Sandbox.RootDir != "/var/lib/clawgate/sandboxes" {
		t.Errorf("root dir = %q", cfg.Sandbox.RootDir)
	}
	if want := filepath.Join(dir, "golden", "coding"); cfg.Sandbox.Classes["coding"].GoldenDir != want {
		t.Errorf("golden dir = %q, want %q", cfg.Sandbox.Classes["coding"].GoldenDir, want)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}
	path := writeConfig(t, "gateway:\n  auth:\n    token: ${CLAWGATE_TEST_NEVER_SET:?export the gateway token}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "export the gateway token") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		path string
		want string
	}{
		{"/abs/file.db", "/abs/file.db"},
		{"rel/file.db", "/etc/clawgate/rel/file.db"},
		{"./file.db", "/etc/clawgate/file.db"},
		{"~/data/file.db", filepath.Join(home, "data", "file.db")},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := resolvePath(tt.path, "/etc/clawgate"); got != tt.want {
				t.Errorf("resolvePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with token", func(*Config) {}, ""},
		{"no auth", func(c *Config) { c.Gateway.Auth.Token = "" }, "no auth mode configured"},
		{"external without opt-in", func(c *Config) { c.Gateway.Address = "0.0.0.0:8085" }, "allow_external"},
		{"external with opt-in", func(c *Config) {
			c.Gateway.Address = "0.0.0.0:8085"
			c.Gateway.AllowExternal = true
		}, ""},
		{"warm above cap", func(c *Config) {
			cls := c.Sandbox.Classes["coding"]
			cls.MaxInstances, cls.WarmTarget = 2, 3
			c.Sandbox.Classes["coding"] = cls
		}, "warm_target 3"},
		{"unknown backend", func(c *Config) {
			cls := c.Sandbox.Classes["browser"]
			cls.Backend = "firecracker"
			c.Sandbox.Classes["browser"] = cls
		}, `unknown backend "firecracker"`},
		{"profile without sandbox", func(c *Config) {
			off := false
			c.Profiles = map[string]profiles.Profile{"yolo": {RequiresSandbox: &off}}
		}, "requires_sandbox: false"},
		{"profile redefines built-in", func(c *Config) {
			c.Profiles = map[string]profiles.Profile{"full": {}}
		}, "redefines a built-in"},
		{"profile bad mount", func(c *Config) {
			c.Profiles = map[string]profiles.Profile{"odd": {Mount: sandbox.MountMode("rwx")}}
		}, `invalid mount "rwx"`},
		{"custom default tier", func(c *Config) {
			c.Profiles = map[string]profiles.Profile{"reviewer": {Allow: []string{"fs.read"}}}
			c.Session.DefaultTier = "reviewer"
		}, ""},
		{"unknown default tier", func(c *Config) { c.Session.DefaultTier = "admin" }, `default_tier "admin"`},
		{"unknown channel tier", func(c *Config) {
			c.Session.ChannelTiers = map[string]string{"telegram": "root"}
		}, "channel_tiers[telegram]"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, `unknown format "xml"`},
		{"bad database backend", func(c *Config) { c.Database.Backend = "mysql" }, "unsupported database backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Gateway.Auth.Token = "s3cret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Session.DefaultTier = "nope"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded")
	}
	for _, want := range []string{"unknown level", "no auth mode", "default_tier"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()

	tests := []struct {
		name    string
		config  string
		env     string
		keyring string
		want    string
	}{
		{"config literal wins", "from-config", "from-env", "from-keyring", "from-config"},
		{"env over keyring", "", "from-env", "from-keyring", "from-env"},
		{"unexpanded reference", "${CLAWGATE_GATEWAY_TOKEN}", "", "from-keyring", "from-keyring"},
		{"keyring", "", "", "from-keyring", "from-keyring"},
		{"nothing", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvGatewayToken, tt.env)
			if err := DeleteKeyring(KeyringGatewayToken); err != nil {
				t.Fatal(err)
			}
			if tt.keyring != "" {
				if err := StoreKeyring(KeyringGatewayToken, tt.keyring); err != nil {
					t.Fatal(err)
				}
			}

			cfg := DefaultConfig()
			cfg.Gateway.Auth.Token = tt.config
			ResolveSecrets(cfg, nil)
			if cfg.Gateway.Auth.Token != tt.want {
				t.Errorf("token = %q, want %q", cfg.Gateway.Auth.Token, tt.want)
			}
		})
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	keyring.MockInit()

	if got := GetKeyring("missing"); got != "" {
		t.Errorf("GetKeyring(missing) = %q", got)
	}
	if err := StoreKeyring("k", "v"); err != nil {
		t.Fatal(err)
	}
	if got := GetKeyring("k"); got != "v" {
		t.Errorf("GetKeyring(k) = %q", got)
	}
	if err := DeleteKeyring("k"); err != nil {
		t.Fatal(err)
	}
	if err := DeleteKeyring("k"); err != nil {
		t.Errorf("second DeleteKeyring() error = %v", err)
	}
}
