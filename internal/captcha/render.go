package captcha

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	mrand "math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	glyphAdvance = 9
	marginX      = 4
	baseHeight   = 18
	scale        = 4
	noiseLines   = 6
	noiseDots    = 400
)

// Render draws code as a PNG and returns it as a data URI.
func Render(code string) (string, error) {
	small := image.NewRGBA(image.Rect(0, 0, marginX*2+glyphAdvance*len(code), baseHeight))
	draw.Draw(small, small.Bounds(), image.NewUniform(color.RGBA{245, 245, 240, 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	for i, r := range code {
		d := &font.Drawer{
			Dst:  small,
			Src:  image.NewUniform(inkColor()),
			Face: face,
			Dot:  fixed.P(marginX+i*glyphAdvance+mrand.IntN(2), 13+mrand.IntN(3)),
		}
		d.DrawString(string(r))
	}

	b := small.Bounds()
	big := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, b, draw.Src, nil)
	addNoise(big)

	var buf bytes.Buffer
	if err := png.Encode(&buf, big); err != nil {
		return "", fmt.Errorf("captcha: encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func inkColor() color.RGBA {
	return color.RGBA{uint8(mrand.IntN(90)), uint8(mrand.IntN(90)), uint8(60 + mrand.IntN(100)), 255}
}

func addNoise(img *image.RGBA) {
	b := img.Bounds()
	for i := 0; i < noiseLines; i++ {
		x0, y0 := mrand.IntN(b.Dx()), mrand.IntN(b.Dy())
		x1, y1 := mrand.IntN(b.Dx()), mrand.IntN(b.Dy())
		line(img, x0, y0, x1, y1, inkColor())
	}
	for i := 0; i < noiseDots; i++ {
		img.Set(mrand.IntN(b.Dx()), mrand.IntN(b.Dy()), inkColor())
	}
}

// line draws with Bresenham's algorithm.
func line(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
