// Package main implements the fetchfonts tool, which downloads every
// configured font that is missing from the fonts directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"tools.zach/dev/tourneykit/internal/config"
	"tools.zach/dev/tourneykit/internal/googlefonts"
	"tools.zach/dev/tourneykit/internal/logger"
	"tools.zach/dev/tourneykit/internal/paths"
)

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir(), "Data directory holding config.toml")
	cssURL := flag.String("css-url", googlefonts.DefaultCSSURL, "Google Fonts CSS endpoint")
	verbose := flag.Bool("v", false, "Log each download")
	flag.Parse()

	level := logger.LevelWarn
	if *verbose {
		level = logger.LevelDebug
	}
	log, closer := logger.NewLogger(logger.Options{Level: level, Stderr: true})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadRender(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	f := googlefonts.NewFetcher(afero.NewOsFs(), googlefonts.Options{CSSURL: *cssURL, Logger: log})
	if !fetch(ctx, f, cfg, os.Stdout, log) {
		os.Exit(1)
	}
}

// fetch installs the missing fonts and prints a summary to out. It reports
// whether every font is now available.
func fetch(ctx context.Context, f *googlefonts.Fetcher, cfg *config.Config, out io.Writer, log *slog.Logger) bool {
	dir := paths.Fonts(cfg.Render.FontsDir)
	log.Debug("fetching fonts", "dir", dir, "configured", len(cfg.Render.Fonts))

	res := f.InstallMissing(ctx, dir, cfg.Render.Fonts)
	printResult(out, dir, res)
	return len(res.Failed) == 0
}

func printResult(out io.Writer, dir string, res googlefonts.Result) {
	line := func(label string, families []string) {
		if len(families) > 0 {
			fmt.Fprintf(out, "%-10s %s\n", label+":", strings.Join(families, ", "))
		}
	}
	fmt.Fprintf(out, "fonts directory: %s\n", dir)
	line("installed", res.Installed)
	line("present", res.Present)
	line("skipped", res.Skipped)

	failed := lo.Keys(res.Failed)
	slices.Sort(failed)
	for _, family := range failed {
		fmt.Fprintf(out, "%-10s %s: %v\n", "failed:", family, res.Failed[family])
	}
}
