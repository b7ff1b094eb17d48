// Package imagenorm bounds untrusted images before they are sent to the
// vector index: it guards against decompression bombs and re-encodes
// oversized input to fit a byte budget.
package imagenorm

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxPixels is the width × height ceiling applied before decoding.
	DefaultMaxPixels = 200_000_000
	// DefaultTarget is the byte budget used when Normalize is given none.
	DefaultTarget = 8 << 20

	initialQuality = 85
	shrinkQuality  = 80
	shrinkFactor   = 0.9
	maxShrinks     = 5
)

var (
	// ErrImage classifies every failure caused by the image content itself.
	// These are never worth retrying.
	ErrImage = errors.New("image error")
	// ErrPixelLimit is returned when the declared dimensions exceed MaxPixels.
	ErrPixelLimit = fmt.Errorf("%w: pixel limit exceeded", ErrImage)
	// ErrOverBudget is returned when shrinking cannot reach the byte budget.
	ErrOverBudget = fmt.Errorf("%w: image still over size budget", ErrImage)
)

// Image is an encoded image that satisfies the normaliser's bounds.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// Normalizer verifies and shrinks images. The zero value is not usable; use New.
type Normalizer struct {
	MaxPixels int64
	Target    int64
	Logger    zerolog.Logger
}

// New returns a Normalizer with the default pixel ceiling and byte target.
func New() *Normalizer {
	return &Normalizer{
		MaxPixels: DefaultMaxPixels,
		Target:    DefaultTarget,
		Logger:    zerolog.Nop(),
	}
}

// Verify checks that raw is a supported image within the pixel ceiling. It
// reads the header and walks the container framing but never decodes pixels.
func (n *Normalizer) Verify(raw []byte) error {
	_, format, err := n.checkPixels(raw)
	if err != nil {
		return err
	}
	if err := verifyStructure(raw, format); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImage, format, err)
	}
	return nil
}

// Normalize returns raw unchanged when it already fits maxBytes. Otherwise it
// converts the image to opaque RGB, scales it towards the budget and
// re-encodes it as JPEG. A maxBytes of zero or less selects the default target.
func (n *Normalizer) Normalize(raw []byte, maxBytes int64) (Image, error) {
	if maxBytes <= 0 {
		maxBytes = n.target()
	}

	cfg, format, err := n.checkPixels(raw)
	if err != nil {
		return Image{}, err
	}
	if int64(len(raw)) <= maxBytes {
		return Image{Data: raw, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, _, err := n.decode(raw)
	if err != nil {
		return Image{}, err
	}
	rgb := toRGB(img)

	ratio := math.Sqrt(float64(maxBytes) / float64(len(raw)))
	w, h := scaledSize(rgb.Bounds().Dx(), rgb.Bounds().Dy(), ratio)
	data, err := encodeJPEG(resize(rgb, w, h), initialQuality)
	if err != nil {
		return Image{}, err
	}

	for i := 0; int64(len(data)) > maxBytes && i < maxShrinks; i++ {
		n.Logger.Debug().Int("attempt", i+1).Int("bytes", len(data)).Int64("budget", maxBytes).Msg("shrinking image")

		current, _, err := n.decode(data)
		if err != nil {
			return Image{}, err
		}
		w, h = scaledSize(w, h, shrinkFactor)
		data, err = encodeJPEG(resize(current, w, h), shrinkQuality)
		if err != nil {
			return Image{}, err
		}
	}

	if int64(len(data)) > maxBytes {
		return Image{}, fmt.Errorf("%w: %d bytes, budget %d", ErrOverBudget, len(data), maxBytes)
	}
	return Image{Data: data, Format: "jpeg", Width: w, Height: h}, nil
}

func (n *Normalizer) target() int64 {
	if n.Target > 0 {
		return n.Target
	}
	return DefaultTarget
}

func (n *Normalizer) maxPixels() int64 {
	if n.MaxPixels > 0 {
		return n.MaxPixels
	}
	return DefaultMaxPixels
}

// checkPixels reads only the image header.
func (n *Normalizer) checkPixels(raw []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: decode header: %v", ErrImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("%w: invalid dimensions %dx%d", ErrImage, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > n.maxPixels() {
		return image.Config{}, "", fmt.Errorf("%w: %dx%d", ErrPixelLimit, cfg.Width, cfg.Height)
	}
	return cfg, format, nil
}

func (n *Normalizer) decode(raw []byte) (image.Image, string, error) {
	if _, _, err := n.checkPixels(raw); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode: %v", ErrImage, err)
	}
	return img, format, nil
}

func scaledSize(w, h int, ratio float64) (int, int) {
	return max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))
}

// toRGB flattens any alpha onto a white background.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: encode jpeg: %v", ErrImage, err)
	}
	return buf.Bytes(), nil
}
