// Package imagenormtest builds deterministic images for tests. Noise is used
// instead of flat colour so encoded sizes scale with pixel count.
package imagenormtest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"
)

// NoiseRGBA returns a w×h image filled with seeded noise. Alpha varies when
// translucent is set.
func NoiseRGBA(w, h int, seed int64, translucent bool) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if translucent {
				a = uint8(128 + rng.Intn(128))
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: a,
			})
		}
	}
	return img
}

// PNG encodes a noise image as PNG.
func PNG(t testing.TB, w, h int, seed int64, translucent bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, NoiseRGBA(w, h, seed, translucent)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// SolidPNG encodes a w×h PNG filled with c.
func SolidPNG(t testing.TB, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
