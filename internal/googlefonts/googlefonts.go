// Package googlefonts downloads font files from the Google Fonts CSS API
// into the local fonts directory.
//
// Font sources use the format "google:FAMILY:WEIGHT" (e.g.
// "google:Noto Sans JP:400"). Downloads are converted to SFNT and checked
// to parse before they are written, so the renderer never sees a partial
// or undecodable file.
package googlefonts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
	"tools.zach/dev/tourneykit/internal/atomicfile"
	"tools.zach/dev/tourneykit/internal/config"
	"tools.zach/dev/tourneykit/internal/fonts"
	"tools.zach/dev/tourneykit/internal/logger"
	"tools.zach/dev/tourneykit/internal/paths"
)

// DefaultCSSURL is the Google Fonts CSS2 endpoint.
const DefaultCSSURL = "https://fonts.googleapis.com/css2"

// userAgent makes Google return WOFF2 URLs, which are converted on download.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"

// fontURLRe extracts the font file URL from the CSS response.
// Matches: url(https://fonts.gstatic.com/s/notosans/v36/xxx.woff2)
var fontURLRe = regexp.MustCompile(`url\((https?://[^)\s]+)\)`)

// ErrInvalidSpec is returned for a source that is not "google:FAMILY:WEIGHT".
var ErrInvalidSpec = errors.New("invalid google font spec")

// ///////////////////////////////////////////////
// Spec
// ///////////////////////////////////////////////

// Spec identifies one Google Fonts family and weight.
type Spec struct {
	Family string
	Weight string
}

func (s Spec) String() string { return "google:" + s.Family + ":" + s.Weight }

// ParseSpec parses a "google:Family:Weight" source. The weight defaults to
// 400 when omitted.
func ParseSpec(source string) (Spec, error) {
	parts := strings.SplitN(source, ":", 3)
	if len(parts) < 2 || parts[0] != "google" || strings.TrimSpace(parts[1]) == "" {
		return Spec{}, fmt.Errorf("%w %q: expected google:FAMILY:WEIGHT", ErrInvalidSpec, source)
	}
	s := Spec{Family: strings.TrimSpace(parts[1]), Weight: "400"}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		s.Weight = strings.TrimSpace(parts[2])
	}
	for _, c := range s.Weight {
		if c < '0' || c > '9' {
			return Spec{}, fmt.Errorf("%w %q: weight must be numeric", ErrInvalidSpec, source)
		}
	}
	return s, nil
}

// ///////////////////////////////////////////////
// Fetcher
// ///////////////////////////////////////////////

// Options configure a [Fetcher].
type Options struct {
	// CSSURL overrides [DefaultCSSURL].
	CSSURL string
	// Timeout bounds each HTTP attempt. Defaults to 15s.
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt. Defaults to 2.
	RetryMax *int
	Logger   *slog.Logger
}

// Fetcher downloads fonts and installs them into a filesystem.
type Fetcher struct {
	fs     afero.Fs
	cssURL string
	client *retryablehttp.Client
	log    *slog.Logger
}

// NewFetcher creates a Fetcher that writes into fsys.
func NewFetcher(fsys afero.Fs, opts Options) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	if opts.RetryMax != nil {
		client.RetryMax = *opts.RetryMax
	}
	client.HTTPClient.Timeout = 15 * time.Second
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	log := logger.OrDefault(opts.Logger)
	client.Logger = log

	cssURL := opts.CSSURL
	if cssURL == "" {
		cssURL = DefaultCSSURL
	}
	return &Fetcher{fs: fsys, cssURL: cssURL, client: client, log: log}
}

// Fetch downloads the font for spec and returns it in SFNT (TTF/OTF) form.
func (f *Fetcher) Fetch(ctx context.Context, spec Spec) ([]byte, error) {
	cssURL := fmt.Sprintf("%s?family=%s:wght@%s", f.cssURL, url.QueryEscape(spec.Family), spec.Weight)

	css, err := f.get(ctx, cssURL, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("fetching CSS for %s: %w", spec, err)
	}

	m := fontURLRe.FindSubmatch(css)
	if m == nil {
		return nil, fmt.Errorf("no font URL in Google Fonts CSS response for %s", spec)
	}
	fontURL := string(m[1])

	data, err := f.get(ctx, fontURL, 32<<20)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", spec, err)
	}

	sfnt, err := fonts.ToSFNT(fontURL, data)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", spec, err)
	}
	if err := fonts.Validate("", sfnt); err != nil {
		return nil, fmt.Errorf("downloaded font for %s is unusable: %w", spec, err)
	}
	return sfnt, nil
}

// Install fetches spec and writes it atomically to dest.
func (f *Fetcher) Install(ctx context.Context, spec Spec, dest string) error {
	data, err := f.Fetch(ctx, spec)
	if err != nil {
		return err
	}
	if err := f.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating fonts dir: %w", err)
	}
	if err := atomicfile.WriteFs(f.fs, dest, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	f.log.Info("font installed", "family", spec.Family, "weight", spec.Weight, "path", dest, "bytes", len(data))
	return nil
}

// Result summarizes an [Fetcher.InstallMissing] run.
type Result struct {
	Installed []string
	Present   []string
	Skipped   []string
	Failed    map[string]error
}

// InstallMissing installs every configured font whose file is absent from
// dir and which has a Google source. It continues past individual failures
// and returns them in Result.Failed.
func (f *Fetcher) InstallMissing(ctx context.Context, dir string, list []config.FontConfig) Result {
	res := Result{Failed: make(map[string]error)}
	exists := fonts.ExistsIn(f.fs)

	for _, fc := range list {
		dest := paths.FontFile(dir, fc.File)
		switch {
		case exists(dest):
			res.Present = append(res.Present, fc.Family)
			continue
		case fc.Source == "":
			f.log.Warn("font missing and has no source", "family", fc.Family, "path", dest)
			res.Skipped = append(res.Skipped, fc.Family)
			continue
		}

		spec, err := ParseSpec(fc.Source)
		if err != nil {
			res.Failed[fc.Family] = err
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Failed[fc.Family] = err
			continue
		}
		if err := f.Install(ctx, spec, dest); err != nil {
			f.log.Error("font install failed", "family", fc.Family, "error", err)
			res.Failed[fc.Family] = err
			continue
		}
		res.Installed = append(res.Installed, fc.Family)
	}
	return res
}

func (f *Fetcher) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
