// Package render draws a single line of text into a fixed-size transparent
// PNG. It is the glyph renderer used by the tournament UI to show player and
// team names in scripts the browser may not have fonts for.
//
// Text is left-aligned with the top of the em box on the top edge of the
// image. The image is always exactly the requested size; text that does not
// fit is clipped.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/norm"
	"tools.zach/dev/tourneykit/internal/fonts"
	"tools.zach/dev/tourneykit/internal/logger"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Request describes one render. Zero or negative numeric fields and empty
// strings take the renderer's [Defaults].
type Request struct {
	// Text is drawn on a single line. Control characters become spaces.
	Text string
	// Size is the font size in pixels.
	Size float64
	// Family selects the font. Unknown families use the default.
	Family string
	// Color is a hex color such as "#181c2c".
	Color string
	// Width is the image width in pixels.
	Width int
	// Height is the image height in pixels.
	Height int
}

// Defaults holds the values used for unset [Request] fields.
type Defaults struct {
	Family string
	Size   float64
	Color  string
	Width  int
	Height int
}

// StandardDefaults returns the built-in defaults: 22px "Noto Sans" in
// #181c2c on a 700x40 image.
func StandardDefaults() Defaults {
	return Defaults{
		Family: "Noto Sans",
		Size:   22,
		Color:  "#181c2c",
		Width:  700,
		Height: 40,
	}
}

// Renderer draws text with fonts from a [fonts.Registry]. It holds no
// per-call state and is safe for concurrent use.
type Renderer struct {
	registry *fonts.Registry
	defaults Defaults
	log      *slog.Logger
}

// New creates a Renderer. Unset fields of d take [StandardDefaults]. A nil
// registry is treated as empty.
func New(registry *fonts.Registry, d Defaults, log *slog.Logger) *Renderer {
	std := StandardDefaults()
	if d.Family == "" {
		d.Family = std.Family
	}
	if d.Size <= 0 {
		d.Size = std.Size
	}
	if _, err := ParseHexColor(d.Color); err != nil {
		d.Color = std.Color
	}
	if d.Width <= 0 {
		d.Width = std.Width
	}
	if d.Height <= 0 {
		d.Height = std.Height
	}
	return &Renderer{registry: registry, defaults: d, log: logger.OrDefault(log)}
}

// Defaults returns the renderer's effective defaults.
func (r *Renderer) Defaults() Defaults { return r.defaults }

// ///////////////////////////////////////////////
// Rendering
// ///////////////////////////////////////////////

// Render draws req and returns the PNG encoding. Overlong text, empty text
// and unsupported characters are not errors.
func (r *Renderer) Render(req Request) ([]byte, error) {
	img, err := r.Image(req)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Image draws req onto a new transparent image of exactly the requested size.
func (r *Renderer) Image(req Request) (*image.NRGBA, error) {
	req = r.resolve(req)

	img := image.NewNRGBA(image.Rect(0, 0, req.Width, req.Height))

	text := normalize(req.Text)
	if text == "" {
		return img, nil
	}

	fg, err := ParseHexColor(req.Color)
	if err != nil {
		r.log.Debug("invalid color, using default", "color", req.Color, "error", err)
		fg, _ = ParseHexColor(r.defaults.Color)
	}

	chain := newFaceChain(r.selectFont(req.Family), r.registry, req.Size)
	defer chain.close()

	primary, err := chain.face(0)
	if err != nil {
		return nil, err
	}

	src := image.NewUniform(fg)
	dot := fixed.Point26_6{X: 0, Y: primary.Metrics().Ascent}
	right := fixed.I(req.Width)

	prevFace := -1
	var prev rune
	for _, c := range text {
		idx := chain.pick(c)
		face, err := chain.face(idx)
		if err != nil {
			return nil, err
		}
		if idx == prevFace {
			dot.X += face.Kern(prev, c)
		}
		dr, mask, maskp, advance, ok := face.Glyph(dot, c)
		if ok {
			draw.DrawMask(img, dr, src, image.Point{}, mask, maskp, draw.Over)
		}
		dot.X += advance
		prev, prevFace = c, idx
		if dot.X >= right {
			break
		}
	}
	return img, nil
}

// resolve fills unset request fields from the defaults.
func (r *Renderer) resolve(req Request) Request {
	d := r.defaults
	if req.Family == "" {
		req.Family = d.Family
	}
	if req.Size <= 0 || math.IsNaN(req.Size) || math.IsInf(req.Size, 0) {
		req.Size = d.Size
	}
	if req.Color == "" {
		req.Color = d.Color
	}
	if req.Width <= 0 {
		req.Width = d.Width
	}
	if req.Height <= 0 {
		req.Height = d.Height
	}
	return req
}

// selectFont returns the font for family, degrading to the default family
// and then the embedded fallback.
func (r *Renderer) selectFont(family string) *fonts.Font {
	if f, ok := r.registry.Lookup(family); ok {
		return f
	}
	logger.Trace(r.log, "unknown font family", "family", family)
	if f, ok := r.registry.Lookup(r.defaults.Family); ok {
		return f
	}
	return fonts.Fallback()
}

// normalize composes text to NFC and replaces control characters with spaces.
func normalize(s string) string {
	return strings.Map(func(c rune) rune {
		if unicode.IsControl(c) {
			return ' '
		}
		return c
	}, norm.NFC.String(s))
}

// ///////////////////////////////////////////////
// Face chain
// ///////////////////////////////////////////////

// faceChain is the per-call glyph fallback order: the selected font, the
// remaining registered fonts, then the embedded fallback. Faces are created
// lazily and belong to a single call.
type faceChain struct {
	fonts []*fonts.Font
	faces []font.Face
	size  float64
	buf   sfnt.Buffer
}

func newFaceChain(primary *fonts.Font, registry *fonts.Registry, size float64) *faceChain {
	chain := []*fonts.Font{primary}
	for _, f := range registry.Fonts() {
		if f != primary {
			chain = append(chain, f)
		}
	}
	if fb := fonts.Fallback(); fb != primary {
		chain = append(chain, fb)
	}
	return &faceChain{fonts: chain, faces: make([]font.Face, len(chain)), size: size}
}

// pick returns the index of the first font that has a glyph for c. When no
// font covers c, the primary font is used so its .notdef glyph is drawn.
func (c *faceChain) pick(r rune) int {
	for i, f := range c.fonts {
		if f.HasGlyph(&c.buf, r) {
			return i
		}
	}
	return 0
}

func (c *faceChain) face(i int) (font.Face, error) {
	if c.faces[i] != nil {
		return c.faces[i], nil
	}
	face, err := opentype.NewFace(c.fonts[i].SFNT, &opentype.FaceOptions{
		Size:    c.size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face %q: %w", c.fonts[i].Family, err)
	}
	c.faces[i] = face
	return face, nil
}

func (c *faceChain) close() {
	for _, f := range c.faces {
		if f != nil {
			f.Close()
		}
	}
}
