// Package main implements the tourneykit daemon, which serves rendered name
// images and upload signatures to the tournament web UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/spf13/afero"
	rootpkg "tools.zach/dev/tourneykit"
	"tools.zach/dev/tourneykit/internal/atomicfile"
	"tools.zach/dev/tourneykit/internal/config"
	"tools.zach/dev/tourneykit/internal/fonts"
	"tools.zach/dev/tourneykit/internal/logger"
	"tools.zach/dev/tourneykit/internal/paths"
	"tools.zach/dev/tourneykit/internal/render"
	"tools.zach/dev/tourneykit/internal/server"
	"tools.zach/dev/tourneykit/internal/upload"
	"tools.zach/dev/tourneykit/internal/watch"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=0.1.0". When
// unset, resolveVersion reads the VCS info that Go embeds automatically.
var version = "dev"

// resolveVersion returns the build version string, falling back to a
// "dev+<hash>" tag built from embedded VCS info.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Setup
// ///////////////////////////////////////////////

// DataPaths aliases [paths.DataDir] into the main package.
type DataPaths = paths.DataDir

// writeDefaultConfig seeds the data directory with the embedded default
// config when no config file exists yet. It reports whether it wrote one.
func writeDefaultConfig(p DataPaths) (bool, error) {
	if _, err := os.Stat(p.Config()); err == nil || !os.IsNotExist(err) {
		return false, nil
	}
	if err := atomicfile.Write(p.Config(), rootpkg.DefaultConfigTOML, 0o600); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}

// credentials extracts the upload credentials from cfg.
func credentials(cfg *config.Config) upload.Credentials {
	return upload.Credentials{
		CloudName: cfg.Upload.CloudName,
		APIKey:    cfg.Upload.APIKey,
		APISecret: cfg.Upload.APISecret,
	}
}

// newSignService builds the upload service, or returns nil when signing is
// disabled.
func newSignService(cfg *config.Config, log *slog.Logger) (*upload.Service, error) {
	u := cfg.Upload
	if !u.Enabled {
		return nil, nil
	}

	var signer upload.Signer = upload.LocalSigner{Algorithm: u.SignatureAlgorithm}
	if u.Mode == "remote" {
		signer = upload.NewRemoteSigner(
			u.Remote.URL,
			time.Duration(u.Remote.TimeoutSeconds)*time.Second,
			u.Remote.RetryMax,
			log,
		)
	}
	return upload.NewService(credentials(cfg), upload.Options{
		Signer:         signer,
		AllowedFolders: u.AllowedFolders,
		Logger:         log,
	})
}

// newAPI wires the HTTP handlers.
func newAPI(cfg *config.Config, reg *fonts.Registry, svc *upload.Service, log *slog.Logger) *server.API {
	r := cfg.Render
	api := &server.API{
		Renderer: render.New(reg, render.Defaults{
			Family: r.DefaultFamily,
			Size:   r.DefaultSize,
			Color:  r.DefaultColor,
			Width:  r.DefaultWidth,
			Height: r.DefaultHeight,
		}, log),
		Families: reg.Families,
		Limits: server.Limits{
			MaxWidth:     r.MaxWidth,
			MaxHeight:    r.MaxHeight,
			MaxSize:      r.MaxSize,
			CacheSeconds: r.CacheSeconds,
		},
		Log: log,
	}
	if svc != nil {
		api.Signer = svc
	}
	return api
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir(), "Data directory for config and logs")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	flag.Parse()

	dp := DataPaths{Root: *dataDir}
	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}
	if wrote, err := writeDefaultConfig(dp); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	} else if wrote {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", dp.Config())
	}

	cfg, err := config.Load(dp.Root)
	if err != nil {
		boot, _ := logger.NewLogger(logger.Options{Level: logger.LevelInfo, Stderr: true})
		logger.Fail(boot, "cannot start", "config", dp.Config(), "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, logCloser := logger.NewLogger(logger.Options{
		Path:      dp.Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Stderr:    cfg.Log.Stderr,
	})
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("tourneykit starting", "version", resolveVersion(), "data_dir", dp.Root, "addr", cfg.Server.Addr)

	reg := fonts.Init(fonts.Candidates(cfg.Render.FontsDir, cfg.Render.Fonts), afero.NewOsFs(), log)
	if reg.Len() == 0 {
		log.Warn("no fonts found, rendering with the built-in fallback only; run fetchfonts", "fonts_dir", paths.Fonts(cfg.Render.FontsDir))
	}

	svc, err := newSignService(cfg, log)
	if err != nil {
		logger.Fail(log, "cannot start upload signing", "error", err)
		os.Exit(1)
	}
	if svc == nil {
		log.Info("upload signing disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newAPI(cfg, reg, svc, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	watcher, err := watch.New(dp.Config(), watch.Options{Logger: log})
	if err != nil {
		log.Warn("config watcher unavailable, credential changes need a restart", "error", err)
	} else {
		defer watcher.Close()
		if watcher.Polling() {
			log.Info("using polling mode for config watching")
		}
	}

	if err := run(srv, watcher, svc, dp, cfg, log); err != nil {
		logger.Fail(log, "server stopped", "error", err)
		os.Exit(1)
	}
}

// ///////////////////////////////////////////////
// Event Loop
// ///////////////////////////////////////////////

// run serves until a shutdown signal arrives or the listener fails. Config
// file changes trigger [reload].
func run(srv *http.Server, watcher *watch.Watcher, svc *upload.Service, dp DataPaths, cfg *config.Config, log *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	log.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var changes <-chan struct{}
	if watcher != nil {
		changes = watcher.Events()
	}
	sigCh := signalChannel()

	for {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
			return shutdown(srv, cfg, log)

		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err

		case <-changes:
			if err := reload(dp, svc, cfg, log); err != nil {
				log.Warn("config reload ignored", "error", err)
			}
		}
	}
}

func shutdown(srv *http.Server, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// reload re-reads the config and rotates upload credentials. Settings other
// than credentials take effect on restart.
func reload(dp DataPaths, svc *upload.Service, current *config.Config, log *slog.Logger) error {
	next, err := config.Load(dp.Root)
	if err != nil {
		return err
	}

	if next.Upload.Enabled != current.Upload.Enabled || next.Upload.Mode != current.Upload.Mode {
		log.Warn("upload enabled/mode changed; restart to apply",
			"enabled", next.Upload.Enabled, "mode", next.Upload.Mode)
	}
	if svc == nil || !next.Upload.Enabled {
		return nil
	}

	creds := credentials(next)
	if creds == credentials(current) {
		logger.Trace(log, "config changed, credentials unchanged")
		return nil
	}
	if err := svc.Rotate(creds); err != nil {
		return fmt.Errorf("rotate credentials: %w", err)
	}
	current.Upload.CloudName = creds.CloudName
	current.Upload.APIKey = creds.APIKey
	current.Upload.APISecret = creds.APISecret
	return nil
}
