package dataset

import (
	"image"
	"math/rand"

	"golang.org/x/image/draw"
)

// JointTransform changes an image and its mask together. Any random choice is
// drawn once from rng and applied to both, so pixels stay in correspondence.
type JointTransform interface {
	Apply(img *image.RGBA, mask *image.Gray, rng *rand.Rand) (*image.RGBA, *image.Gray)
}

// Compose applies transforms in order.
type Compose []JointTransform

func (c Compose) Apply(img *image.RGBA, mask *image.Gray, rng *rand.Rand) (*image.RGBA, *image.Gray) {
	for _, t := range c {
		img, mask = t.Apply(img, mask, rng)
	}
	return img, mask
}

// Resize scales both planes to Height x Width: bilinear for the image,
// nearest-neighbour for the mask so no new mask values appear.
type Resize struct {
	Height, Width int
}

func (r Resize) Apply(img *image.RGBA, mask *image.Gray, _ *rand.Rand) (*image.RGBA, *image.Gray) {
	rect := image.Rect(0, 0, r.Width, r.Height)
	if img.Bounds().Size() != rect.Size() {
		dst := image.NewRGBA(rect)
		draw.BiLinear.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
		img = dst
	}
	if mask.Bounds().Size() != rect.Size() {
		dst := image.NewGray(rect)
		draw.NearestNeighbor.Scale(dst, rect, mask, mask.Bounds(), draw.Src, nil)
		mask = dst
	}
	return img, mask
}

// HorizontalFlip mirrors both planes left-to-right with probability P.
type HorizontalFlip struct {
	P float64
}

func (f HorizontalFlip) Apply(img *image.RGBA, mask *image.Gray, rng *rand.Rand) (*image.RGBA, *image.Gray) {
	if f.P <= 0 || rng.Float64() >= f.P {
		return img, mask
	}
	return flipRGBA(img), flipGray(mask)
}

func flipRGBA(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetRGBA(b.Dx()-1-x, y, src.RGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipGray(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetGray(b.Dx()-1-x, y, src.GrayAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// RandomCrop cuts the same Height x Width window out of both planes. Planes
// smaller than the window are returned unchanged.
type RandomCrop struct {
	Height, Width int
}

func (c RandomCrop) Apply(img *image.RGBA, mask *image.Gray, rng *rand.Rand) (*image.RGBA, *image.Gray) {
	b := img.Bounds()
	if b.Dx() < c.Width || b.Dy() < c.Height || mask.Bounds().Size() != b.Size() {
		return img, mask
	}
	x0 := rng.Intn(b.Dx() - c.Width + 1)
	y0 := rng.Intn(b.Dy() - c.Height + 1)
	rect := image.Rect(0, 0, c.Width, c.Height)
	di := image.NewRGBA(rect)
	draw.Draw(di, rect, img, b.Min.Add(image.Pt(x0, y0)), draw.Src)
	dm := image.NewGray(rect)
	draw.Draw(dm, rect, mask, mask.Bounds().Min.Add(image.Pt(x0, y0)), draw.Src)
	return di, dm
}
