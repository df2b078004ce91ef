// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import (
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	ConfigFile = "config.toml"
	LogFile    = "tourneykit.log"
	BinaryName = "tourneykit"
)

// FontsDirRel is the default fonts directory, resolved against the process
// working directory rather than the data directory.
const FontsDirRel = "fonts"

// Endpoint paths served by the daemon.
const (
	RenderRoute = "/api/render"
	SignRoute   = "/api/sign"
	HealthRoute = "/healthz"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DefaultDataDir returns the platform config directory for tourneykit,
// typically ~/.config/tourneykit. Falls back to ./.tourneykit. Every binary
// uses it so they agree on where config.toml lives.
func DefaultDataDir() string {
	return dataDirFrom(os.UserConfigDir)
}

func dataDirFrom(userConfigDir func() (string, error)) string {
	dir, err := userConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".", "."+BinaryName)
	}
	return filepath.Join(dir, BinaryName)
}

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Fonts resolves a configured fonts directory. Absolute paths are returned
// unchanged; relative ones stay relative so they resolve against the
// working directory at open time.
func Fonts(dir string) string {
	if dir == "" {
		return FontsDirRel
	}
	return filepath.Clean(dir)
}

// FontFile joins a font file name onto the fonts directory. A file that is
// already absolute is returned unchanged.
func FontFile(dir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(Fonts(dir), file)
}
