// Package fonts discovers, decodes, and registers the font files the glyph
// renderer draws with.
//
// The registry is built once per process from a prioritized candidate list.
// Candidates whose files are missing are skipped, so the registry only ever
// holds fonts that exist and parse. After [Init] returns the registry is
// read-only and safe for concurrent use without locking.
package fonts

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	tdfont "github.com/tdewolff/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"tools.zach/dev/tourneykit/internal/config"
	"tools.zach/dev/tourneykit/internal/logger"
	"tools.zach/dev/tourneykit/internal/paths"
)

// FallbackFamily is the family name of the embedded default sans-serif.
const FallbackFamily = "Go"

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Entry is one candidate font: the family it is selectable by and the path
// of the file that provides it.
type Entry struct {
	Family string
	Path   string
}

// Font is a decoded font registered under a family name.
type Font struct {
	// Family is the name requests select the font by.
	Family string
	// Path is the file the font was loaded from. Empty for the embedded fallback.
	Path string
	// SFNT is the parsed font. Safe for concurrent use; faces built from it are not.
	SFNT *sfnt.Font
}

// HasGlyph reports whether the font maps r to a real glyph rather than
// .notdef. buf may be nil.
func (f *Font) HasGlyph(buf *sfnt.Buffer, r rune) bool {
	idx, err := f.SFNT.GlyphIndex(buf, r)
	return err == nil && idx != 0
}

// Registry is an immutable, ordered set of fonts keyed by family.
type Registry struct {
	fonts    []*Font
	byFamily map[string]*Font
}

// Lookup returns the font registered for family. Matching ignores case.
func (r *Registry) Lookup(family string) (*Font, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.byFamily[strings.ToLower(strings.TrimSpace(family))]
	return f, ok
}

// Families returns the registered family names in priority order.
func (r *Registry) Families() []string {
	return lo.Map(r.Fonts(), func(f *Font, _ int) string { return f.Family })
}

// Len returns the number of registered fonts.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fonts)
}

// Fonts returns the registered fonts in priority order. The slice is a copy.
func (r *Registry) Fonts() []*Font {
	if r == nil {
		return nil
	}
	out := make([]*Font, len(r.fonts))
	copy(out, r.fonts)
	return out
}

// ///////////////////////////////////////////////
// Discovery
// ///////////////////////////////////////////////

// Discover returns the candidates whose path satisfies exists, in their
// original order. It performs no I/O of its own.
func Discover(candidates []Entry, exists func(path string) bool) []Entry {
	return lo.Filter(candidates, func(e Entry, _ int) bool {
		return exists(e.Path)
	})
}

// ExistsIn returns an existence predicate over fsys that accepts regular
// files only.
func ExistsIn(fsys afero.Fs) func(string) bool {
	return func(path string) bool {
		info, err := fsys.Stat(path)
		return err == nil && info.Mode().IsRegular()
	}
}

// DefaultCandidates returns the built-in prioritized font list rooted at dir.
func DefaultCandidates(dir string) []Entry {
	return Candidates(dir, config.DefaultFonts())
}

// Candidates converts configured fonts into entries rooted at dir.
func Candidates(dir string, list []config.FontConfig) []Entry {
	return lo.Map(list, func(f config.FontConfig, _ int) Entry {
		return Entry{Family: f.Family, Path: paths.FontFile(dir, f.File)}
	})
}

// ///////////////////////////////////////////////
// Building
// ///////////////////////////////////////////////

// Build discovers the candidates present in fsys and decodes each one. A
// file that exists but cannot be decoded is logged and left out. When two
// entries share a family, the first one wins. Build never fails: an empty
// registry is valid and every render then uses [Fallback].
func Build(candidates []Entry, fsys afero.Fs, log *slog.Logger) *Registry {
	log = logger.OrDefault(log)
	reg := &Registry{byFamily: make(map[string]*Font)}

	found := Discover(candidates, ExistsIn(fsys))
	for _, missing := range lo.Without(candidates, found...) {
		logger.Trace(log, "font not present", "family", missing.Family, "path", missing.Path)
	}

	for _, e := range found {
		key := strings.ToLower(strings.TrimSpace(e.Family))
		if _, dup := reg.byFamily[key]; dup {
			log.Debug("duplicate font family ignored", "family", e.Family, "path", e.Path)
			continue
		}
		data, err := afero.ReadFile(fsys, e.Path)
		if err != nil {
			log.Warn("font unreadable", "family", e.Family, "path", e.Path, "error", err)
			continue
		}
		f, err := decode(e.Path, data)
		if err != nil {
			log.Warn("font unparseable", "family", e.Family, "path", e.Path, "error", err)
			continue
		}
		font := &Font{Family: e.Family, Path: e.Path, SFNT: f}
		reg.fonts = append(reg.fonts, font)
		reg.byFamily[key] = font
	}

	log.Info("fonts registered", "count", len(reg.fonts), "families", strings.Join(reg.Families(), ","))
	return reg
}

// decode parses raw font bytes, converting WOFF and WOFF2 containers to SFNT first.
func decode(path string, data []byte) (*sfnt.Font, error) {
	data, err := ToSFNT(path, data)
	if err != nil {
		return nil, err
	}
	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse sfnt: %w", err)
	}
	return f, nil
}

// ToSFNT returns data as TTF/OTF bytes, converting WOFF and WOFF2 input.
// SFNT input is returned unchanged.
func ToSFNT(path string, data []byte) ([]byte, error) {
	if !isWOFF(path, data) {
		return data, nil
	}
	converted, err := tdfont.ToSFNT(data)
	if err != nil {
		return nil, fmt.Errorf("convert woff to sfnt: %w", err)
	}
	return converted, nil
}

// Validate reports whether data is a font the registry can load.
func Validate(path string, data []byte) error {
	_, err := decode(path, data)
	return err
}

// isWOFF checks whether a font file is WOFF or WOFF2 by extension or magic bytes.
func isWOFF(path string, data []byte) bool {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".woff") || strings.HasSuffix(lower, ".woff2") {
		return true
	}
	if len(data) < 4 {
		return false
	}
	magic := string(data[:4])
	return magic == "wOFF" || magic == "wOF2"
}

// ///////////////////////////////////////////////
// Process-wide registry
// ///////////////////////////////////////////////

var (
	initOnce sync.Once
	global   *Registry
)

// Init builds the process-wide registry on first call and returns it.
// Later calls return the same registry and ignore their arguments.
func Init(candidates []Entry, fsys afero.Fs, log *slog.Logger) *Registry {
	initOnce.Do(func() {
		global = Build(candidates, fsys, log)
	})
	return global
}

var (
	fallbackOnce sync.Once
	fallback     *Font
)

// Fallback returns the embedded default sans-serif (Go Regular). It is the
// last resort for unknown families and for runes no registered font covers.
func Fallback() *Font {
	fallbackOnce.Do(func() {
		f, err := sfnt.Parse(goregular.TTF)
		if err != nil {
			panic(fmt.Sprintf("fonts: embedded fallback font unparseable: %v", err))
		}
		fallback = &Font{Family: FallbackFamily, SFNT: f}
	})
	return fallback
}
