// Package config provides configuration loading and defaults for the
// tourneykit daemon.
//
// Configuration is loaded from a TOML file in the data directory. The package
// covers the HTTP listener, the glyph renderer and its font list, upload
// signing credentials, and logging. Upload secrets may also be supplied
// through the environment so they never have to be written to disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/tourneykit/internal/atomicfile"
	"tools.zach/dev/tourneykit/internal/paths"
)

// CurrentVersion is the config schema version this build understands.
const CurrentVersion = 1

// Environment variables that override the [upload] credentials.
const (
	EnvCloudName = "CLOUDINARY_CLOUD_NAME"
	EnvAPIKey    = "CLOUDINARY_API_KEY"
	EnvAPISecret = "CLOUDINARY_API_SECRET"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

// ConfigurationError reports a setting that prevents the daemon from
// serving requests. It is fatal at startup.
type ConfigurationError struct {
	// Key is the dotted TOML path of the offending setting.
	Key string
	// Reason describes what is wrong and how to fix it.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// IsConfigurationError reports whether err wraps a [ConfigurationError].
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version.
	Version int `toml:"version"`
	// Server holds HTTP listener settings.
	Server ServerConfig `toml:"server"`
	// Render holds glyph renderer settings.
	Render RenderConfig `toml:"render"`
	// Upload holds signed-upload settings.
	Upload UploadConfig `toml:"upload"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr"`
	// ReadTimeoutSeconds bounds reading a full request.
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`
	// WriteTimeoutSeconds bounds writing a response.
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// FontConfig describes one candidate font in priority order.
type FontConfig struct {
	// File is the font file name, relative to FontsDir unless absolute.
	File string `toml:"file"`
	// Family is the logical family name the font is selectable by.
	Family string `toml:"family"`
	// Source is an optional download spec (e.g. "google:Noto Sans:400")
	// used by the fetchfonts tool when File is missing.
	Source string `toml:"source,omitempty"`
}

// RenderConfig holds glyph renderer settings.
type RenderConfig struct {
	// FontsDir is the directory holding font files, relative to the working directory.
	FontsDir string `toml:"fonts_dir"`
	// Fonts is the ordered candidate list. Missing files are skipped.
	Fonts []FontConfig `toml:"fonts"`
	// DefaultFamily is used when a request names no family.
	DefaultFamily string `toml:"default_family"`
	// DefaultSize is the font size in pixels used when a request names none.
	DefaultSize float64 `toml:"default_size"`
	// DefaultColor is the hex text color used when a request names none.
	DefaultColor string `toml:"default_color"`
	// DefaultWidth is the image width in pixels used when a request names none.
	DefaultWidth int `toml:"default_width"`
	// DefaultHeight is the image height in pixels used when a request names none.
	DefaultHeight int `toml:"default_height"`
	// MaxWidth caps the width accepted over HTTP.
	MaxWidth int `toml:"max_width"`
	// MaxHeight caps the height accepted over HTTP.
	MaxHeight int `toml:"max_height"`
	// MaxSize caps the font size accepted over HTTP.
	MaxSize float64 `toml:"max_size"`
	// CacheSeconds is the Cache-Control max-age on rendered images.
	CacheSeconds int `toml:"cache_seconds"`
}

// RemoteSignerConfig holds settings for delegating signatures to a remote endpoint.
type RemoteSignerConfig struct {
	// URL is the signing endpoint.
	URL string `toml:"url,omitempty"`
	// TimeoutSeconds bounds a single signing call.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// RetryMax is the number of retries after the first attempt (0 = single attempt).
	RetryMax int `toml:"retry_max"`
}

// UploadConfig holds signed-upload settings.
type UploadConfig struct {
	// Enabled turns the signing endpoint on. When true the credentials are required.
	Enabled bool `toml:"enabled"`
	// CloudName is the public tenant identifier at the media host.
	CloudName string `toml:"cloud_name"`
	// APIKey is the public key identifier returned to clients.
	APIKey string `toml:"api_key"`
	// APISecret is the private signing secret. Prefer CLOUDINARY_API_SECRET.
	APISecret string `toml:"api_secret,omitempty"`
	// SignatureAlgorithm selects the hash: "sha1" or "sha256".
	SignatureAlgorithm string `toml:"signature_algorithm"`
	// Mode selects where signatures are computed: "local" or "remote".
	Mode string `toml:"mode"`
	// AllowedFolders restricts the "folder" parameter to these glob patterns. Empty allows all.
	AllowedFolders []string `toml:"allowed_folders"`
	// Remote holds remote signer settings for mode "remote".
	Remote RemoteSignerConfig `toml:"remote"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
	// Stderr also writes log lines to standard error.
	Stderr bool `toml:"stderr"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultFonts is the built-in prioritized font list.
func DefaultFonts() []FontConfig {
	return []FontConfig{
		{File: "NotoSans-Regular.ttf", Family: "Noto Sans", Source: "google:Noto Sans:400"},
		{File: "NotoSansBengali-Regular.ttf", Family: "Noto Sans Bengali", Source: "google:Noto Sans Bengali:400"},
		{File: "NotoSansDevanagari-Regular.ttf", Family: "Noto Sans Devanagari", Source: "google:Noto Sans Devanagari:400"},
		{File: "NotoSansJP-Regular.ttf", Family: "Noto Sans JP", Source: "google:Noto Sans JP:400"},
		{File: "NotoSansSymbols2-Regular.ttf", Family: "Noto Sans Symbols 2", Source: "google:Noto Sans Symbols 2:400"},
	}
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Addr:                   ":8080",
			ReadTimeoutSeconds:     10,
			WriteTimeoutSeconds:    15,
			ShutdownTimeoutSeconds: 10,
		},
		Render: RenderConfig{
			FontsDir:      paths.FontsDirRel,
			Fonts:         DefaultFonts(),
			DefaultFamily: "Noto Sans",
			DefaultSize:   22,
			DefaultColor:  "#181c2c",
			DefaultWidth:  700,
			DefaultHeight: 40,
			MaxWidth:      2048,
			MaxHeight:     512,
			MaxSize:       256,
			CacheSeconds:  86400,
		},
		Upload: UploadConfig{
			Enabled:            false,
			SignatureAlgorithm: "sha1",
			Mode:               "local",
			AllowedFolders:     []string{},
			Remote: RemoteSignerConfig{
				TimeoutSeconds: 5,
				RetryMax:       0,
			},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
			Stderr:    true,
		},
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses dataDir/config.toml, applies environment overrides,
// and validates the result. If the file doesn't exist, the defaults are
// used (still subject to overrides and validation).
func Load(dataDir string) (*Config, error) {
	return LoadFile(filepath.Join(dataDir, paths.ConfigFile))
}

// LoadFile is [Load] for an explicit file path.
func LoadFile(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadRender is [Load] for tools that only use the [render] section. Only
// that section is validated, so an upload credential that is supplied to the
// daemon alone does not block font tooling.
func LoadRender(dataDir string) (*Config, error) {
	cfg, err := read(filepath.Join(dataDir, paths.ConfigFile))
	if err != nil {
		return nil, err
	}
	if err := cfg.validateRender(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// read parses path onto the defaults and applies environment overrides.
func read(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if v := PeekVersion(data); v > CurrentVersion {
			return nil, &ConfigurationError{
				Key:    "version",
				Reason: fmt.Sprintf("schema version %d is newer than supported version %d; upgrade tourneykit", v, CurrentVersion),
			}
		}
		// Decoding onto the defaults keeps unset keys at their default, but
		// arrays replace rather than merge, so a [[render.fonts]] list in
		// the file fully replaces the built-in list.
		cfg.Render.Fonts = nil
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Render.Fonts) == 0 {
			cfg.Render.Fonts = DefaultFonts()
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.Version = CurrentVersion
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides upload credentials from the environment. lookup is
// normally [os.LookupEnv]; tests pass a map-backed function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCloudName); ok && v != "" {
		c.Upload.CloudName = v
	}
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Upload.APIKey = v
	}
	if v, ok := lookup(EnvAPISecret); ok && v != "" {
		c.Upload.APISecret = v
	}
}

// Save writes the config to disk as TOML using atomic file write. The file
// may hold the upload secret, so it is written owner-only.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o600)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable
// ranges. Every failure is a [*ConfigurationError].
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &ConfigurationError{Key: "server.addr", Reason: "must not be empty"}
	}
	if c.Server.ReadTimeoutSeconds <= 0 || c.Server.WriteTimeoutSeconds <= 0 {
		return &ConfigurationError{Key: "server", Reason: "read_timeout_seconds and write_timeout_seconds must be > 0"}
	}

	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return &ConfigurationError{
			Key:    "log.level",
			Reason: fmt.Sprintf("invalid level %q: must be trace, debug, info, warn, or error", c.Log.Level),
		}
	}
	return nil
}

func (c *Config) validateRender() error {
	r := c.Render
	if r.DefaultSize <= 0 || r.DefaultWidth <= 0 || r.DefaultHeight <= 0 {
		return &ConfigurationError{Key: "render", Reason: "default_size, default_width and default_height must be > 0"}
	}
	if r.MaxWidth < r.DefaultWidth || r.MaxHeight < r.DefaultHeight || r.MaxSize < r.DefaultSize {
		return &ConfigurationError{Key: "render", Reason: "max_width, max_height and max_size must be >= their defaults"}
	}
	if r.CacheSeconds < 0 {
		return &ConfigurationError{Key: "render.cache_seconds", Reason: "must be >= 0"}
	}
	for i, f := range r.Fonts {
		if f.File == "" || f.Family == "" {
			return &ConfigurationError{
				Key:    fmt.Sprintf("render.fonts[%d]", i),
				Reason: "file and family are both required",
			}
		}
	}
	return nil
}

func (c *Config) validateUpload() error {
	u := c.Upload

	switch u.SignatureAlgorithm {
	case "sha1", "sha256":
	default:
		return &ConfigurationError{
			Key:    "upload.signature_algorithm",
			Reason: fmt.Sprintf("invalid algorithm %q: must be sha1 or sha256", u.SignatureAlgorithm),
		}
	}

	switch u.Mode {
	case "local":
	case "remote":
		if u.Enabled && u.Remote.URL == "" {
			return &ConfigurationError{Key: "upload.remote.url", Reason: "required when upload.mode is \"remote\""}
		}
	default:
		return &ConfigurationError{
			Key:    "upload.mode",
			Reason: fmt.Sprintf("invalid mode %q: must be local or remote", u.Mode),
		}
	}

	if u.Remote.TimeoutSeconds <= 0 {
		return &ConfigurationError{Key: "upload.remote.timeout_seconds", Reason: "must be > 0"}
	}
	if u.Remote.RetryMax < 0 {
		return &ConfigurationError{Key: "upload.remote.retry_max", Reason: "must be >= 0"}
	}

	for _, pattern := range u.AllowedFolders {
		if !doublestar.ValidatePattern(pattern) {
			return &ConfigurationError{
				Key:    "upload.allowed_folders",
				Reason: fmt.Sprintf("invalid glob pattern %q", pattern),
			}
		}
	}

	if !u.Enabled {
		return nil
	}
	required := []struct{ key, env, value string }{
		{"upload.cloud_name", EnvCloudName, u.CloudName},
		{"upload.api_key", EnvAPIKey, u.APIKey},
		{"upload.api_secret", EnvAPISecret, u.APISecret},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigurationError{
				Key:    r.key,
				Reason: "required when upload.enabled is true (set it in config.toml or via " + r.env + ")",
			}
		}
	}
	return nil
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

// FontPath returns the on-disk path for a configured font.
func (c *Config) FontPath(f FontConfig) string {
	return paths.FontFile(c.Render.FontsDir, f.File)
}
