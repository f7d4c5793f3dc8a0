// Package imaging converts raw render frames into compressed analysis-grade
// images. Conversion problems are cosmetic, so every failure path falls back
// to the original file bytes rather than failing the pipeline.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	xdraw "golang.org/x/image/draw"
)

// jpegQuality is the fixed compression target for analysis imagery.
const jpegQuality = 85

// Processed is a converted frame: encoded bytes plus their MIME type.
type Processed struct {
	Data     []byte
	MimeType string
}

// Processor compresses and optionally resizes raster frames.
type Processor struct {
	logger *slog.Logger
}

func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{logger: logger}
}

// Raw reads the frame unmodified, for maximum-fidelity preview thumbnails.
func (p *Processor) Raw(path string) (Processed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Processed{}, err
	}
	return Processed{Data: data, MimeType: "image/png"}, nil
}

// Compress re-encodes the frame as JPEG at the fixed quality. When fitSize is
// positive the image is first fit within a fitSize×fitSize white canvas,
// preserving aspect ratio. If decoding or encoding fails the original file
// bytes are returned unmodified.
func (p *Processor) Compress(path string, fitSize int) (Processed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Processed{}, err
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		p.logger.Warn("image decode failed, using raw bytes",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return Processed{Data: raw, MimeType: "image/png"}, nil
	}

	if fitSize > 0 {
		img = fitSquare(img, fitSize)
	} else {
		img = matte(img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		p.logger.Warn("jpeg encode failed, using raw bytes",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return Processed{Data: raw, MimeType: "image/png"}, nil
	}
	return Processed{Data: buf.Bytes(), MimeType: "image/jpeg"}, nil
}

// fitSquare scales img to fit a size×size white canvas, centered, preserving
// aspect ratio. White replaces the engine's transparent film since JPEG has
// no alpha channel.
func fitSquare(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return whiteCanvas(size)
	}

	scaled := w
	scaledH := h
	if w >= h {
		scaled = size
		scaledH = h * size / w
	} else {
		scaledH = size
		scaled = w * size / h
	}
	if scaled < 1 {
		scaled = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}

	canvas := whiteCanvas(size)
	x0 := (size - scaled) / 2
	y0 := (size - scaledH) / 2
	dst := image.Rect(x0, y0, x0+scaled, y0+scaledH)
	xdraw.CatmullRom.Scale(canvas, dst, img, b, xdraw.Over, nil)
	return canvas
}

// matte flattens img onto a white background without resizing.
func matte(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

func whiteCanvas(size int) *image.RGBA {
	c := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(c, c.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return c
}
