// Tests for the config package covering [Load] behavior (defaults, overrides,
// missing files, malformed input, future versions), environment overrides
// ([Config.ApplyEnv]), validation ([Config.Validate]) including the fatal
// [ConfigurationError] for missing credentials, and [Config.Save] round-trips.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

// writeConfig writes content to dir/config.toml.
func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// clearEnv unsets the credential environment variables for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvCloudName, EnvAPIKey, EnvAPISecret} {
		t.Setenv(k, "")
	}
}

// ///////////////////////////////////////////////
// Load
// ///////////////////////////////////////////////

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		noFile  bool
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:   "defaults from minimal config",
			config: "version = 1\n",
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				def := DefaultConfig()
				if cfg.Render.DefaultFamily != def.Render.DefaultFamily {
					t.Errorf("DefaultFamily = %q, want %q", cfg.Render.DefaultFamily, def.Render.DefaultFamily)
				}
				if len(cfg.Render.Fonts) != len(def.Render.Fonts) {
					t.Errorf("Fonts = %d entries, want %d", len(cfg.Render.Fonts), len(def.Render.Fonts))
				}
			},
		},
		{
			name: "user overrides applied",
			config: `
version = 1

[server]
addr = "127.0.0.1:9000"

[render]
default_width = 800
default_color = "#ffffff"
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Server.Addr != "127.0.0.1:9000" {
					t.Errorf("Addr = %q", cfg.Server.Addr)
				}
				if cfg.Render.DefaultWidth != 800 {
					t.Errorf("DefaultWidth = %d, want 800", cfg.Render.DefaultWidth)
				}
				if cfg.Render.DefaultHeight != 40 {
					t.Errorf("DefaultHeight = %d, want default 40", cfg.Render.DefaultHeight)
				}
			},
		},
		{
			name: "font list replaces defaults",
			config: `
version = 1

[[render.fonts]]
file = "Inter.ttf"
family = "Inter"
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if len(cfg.Render.Fonts) != 1 || cfg.Render.Fonts[0].Family != "Inter" {
					t.Errorf("Fonts = %+v, want only Inter", cfg.Render.Fonts)
				}
			},
		},
		{
			name:   "missing file returns defaults",
			noFile: true,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Version != CurrentVersion {
					t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
				}
			},
		},
		{
			name:    "malformed TOML returns error",
			config:  "this is not valid toml [[[",
			wantErr: true,
		},
		{
			name:    "future version rejected",
			config:  "version = 99\n",
			wantErr: true,
		},
		{
			name: "upload enabled without secret is fatal",
			config: `
version = 1

[upload]
enabled = true
cloud_name = "arena"
api_key = "1234"
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			if !tt.noFile {
				writeConfig(t, dir, tt.config)
			}

			cfg, err := Load(dir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_MissingSecretIsConfigurationError(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "version = 1\n[upload]\nenabled = true\ncloud_name = \"arena\"\napi_key = \"k\"\n")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
	if ce.Key != "upload.api_secret" {
		t.Errorf("Key = %q, want upload.api_secret", ce.Key)
	}
	if !strings.Contains(ce.Reason, EnvAPISecret) {
		t.Errorf("Reason %q should mention %s", ce.Reason, EnvAPISecret)
	}
	if !IsConfigurationError(err) {
		t.Error("IsConfigurationError = false, want true")
	}
}

func TestLoadRender(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantKey string
	}{
		{
			name: "upload secret missing is ignored",
			body: "[upload]\nenabled = true\ncloud_name = \"arena\"\napi_key = \"k\"\n",
		},
		{
			name: "invalid upload mode is ignored",
			body: "[upload]\nmode = \"carrier-pigeon\"\n",
		},
		{
			name:    "render still validated",
			body:    "[render]\ndefault_width = 0\n",
			wantErr: true,
			wantKey: "render",
		},
		{
			name:    "malformed file",
			body:    "[render\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)

			cfg, err := LoadRender(dir)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("LoadRender: %v", err)
				}
				if len(cfg.Render.Fonts) != len(DefaultFonts()) {
					t.Errorf("fonts = %d, want defaults", len(cfg.Render.Fonts))
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ConfigurationError
			if tt.wantKey != "" && (!errors.As(err, &ce) || ce.Key != tt.wantKey) {
				t.Errorf("error = %v, want ConfigurationError for %s", err, tt.wantKey)
			}
		})
	}
}

func TestLoad_EnvSuppliesSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPISecret, "env-secret")
	dir := t.TempDir()
	writeConfig(t, dir, "version = 1\n[upload]\nenabled = true\ncloud_name = \"arena\"\napi_key = \"k\"\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env-secret", cfg.Upload.APISecret)
	}
}

// ///////////////////////////////////////////////
// ApplyEnv
// ///////////////////////////////////////////////

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvCloudName: "env-cloud",
		EnvAPIKey:    "",
		EnvAPISecret: "env-secret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Upload.APIKey = "file-key"
	cfg.ApplyEnv(lookup)

	if cfg.Upload.CloudName != "env-cloud" {
		t.Errorf("CloudName = %q, want env-cloud", cfg.Upload.CloudName)
	}
	if cfg.Upload.APIKey != "file-key" {
		t.Errorf("empty env value should not override; APIKey = %q", cfg.Upload.APIKey)
	}
	if cfg.Upload.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env-secret", cfg.Upload.APISecret)
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

func TestPeekVersion(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"explicit", "version = 1\n", 1},
		{"future", "version = 3\n", 3},
		{"missing", "[server]\naddr = \":1\"\n", 1},
		{"malformed", "[[[", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeekVersion([]byte(tt.data)); got != tt.want {
				t.Errorf("PeekVersion = %d, want %d", got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Validate
// ///////////////////////////////////////////////

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero default size", func(c *Config) { c.Render.DefaultSize = 0 }, "render"},
		{"max below default", func(c *Config) { c.Render.MaxWidth = 10 }, "render"},
		{"negative cache", func(c *Config) { c.Render.CacheSeconds = -1 }, "render.cache_seconds"},
		{"font without family", func(c *Config) { c.Render.Fonts = []FontConfig{{File: "a.ttf"}} }, "render.fonts[0]"},
		{"bad algorithm", func(c *Config) { c.Upload.SignatureAlgorithm = "md5" }, "upload.signature_algorithm"},
		{"bad mode", func(c *Config) { c.Upload.Mode = "cloud" }, "upload.mode"},
		{"remote without url", func(c *Config) {
			c.Upload.Enabled = true
			c.Upload.Mode = "remote"
			c.Upload.CloudName, c.Upload.APIKey, c.Upload.APISecret = "c", "k", "s"
		}, "upload.remote.url"},
		{"negative retry", func(c *Config) { c.Upload.Remote.RetryMax = -1 }, "upload.remote.retry_max"},
		{"bad glob", func(c *Config) { c.Upload.AllowedFolders = []string{"tournaments/[a"} }, "upload.allowed_folders"},
		{"missing cloud name", func(c *Config) {
			c.Upload.Enabled = true
			c.Upload.APIKey, c.Upload.APISecret = "k", "s"
		}, "upload.cloud_name"},
		{"disabled upload needs no credentials", func(c *Config) { c.Upload.Enabled = false }, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"sha256 ok", func(c *Config) { c.Upload.SignatureAlgorithm = "sha256" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				if err != nil {
					t.Fatalf("Validate: unexpected error %v", err)
				}
				return
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate error = %v, want *ConfigurationError", err)
			}
			if ce.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", ce.Key, tt.wantKey)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Save
// ///////////////////////////////////////////////

func TestConfig_Save_RoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Render.DefaultColor = "#ff8800"
	cfg.Upload.AllowedFolders = []string{"tournaments/**"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Render.DefaultColor != "#ff8800" {
		t.Errorf("DefaultColor = %q, want #ff8800", loaded.Render.DefaultColor)
	}
	if len(loaded.Upload.AllowedFolders) != 1 || loaded.Upload.AllowedFolders[0] != "tournaments/**" {
		t.Errorf("AllowedFolders = %v", loaded.Upload.AllowedFolders)
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		t.Fatalf("saved file is not valid TOML: %v", err)
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func TestConfig_FontPath(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.FontPath(FontConfig{File: "NotoSans-Regular.ttf", Family: "Noto Sans"})
	if got != filepath.Join("fonts", "NotoSans-Regular.ttf") {
		t.Errorf("FontPath = %q", got)
	}
}

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{Key: "upload.api_key", Reason: "required"}
	if err.Error() != "config upload.api_key: required" {
		t.Errorf("Error() = %q", err.Error())
	}
}
