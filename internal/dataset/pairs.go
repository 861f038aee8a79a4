package dataset

import (
	"bufio"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"clothseg/internal/tensor"
)

// MaskPolicy decides how raw mask intensities become training targets.
type MaskPolicy string

const (
	// MaskExact maps 255 to 1 and keeps every other raw value as is.
	MaskExact MaskPolicy = "exact"
	// MaskThreshold maps values >= 128 to 1 and the rest to 0.
	MaskThreshold MaskPolicy = "threshold"
)

// ParseMaskPolicy validates a policy name. The empty string means MaskExact.
func ParseMaskPolicy(s string) (MaskPolicy, error) {
	switch MaskPolicy(s) {
	case "", MaskExact:
		return MaskExact, nil
	case MaskThreshold:
		return MaskThreshold, nil
	}
	return "", errors.Errorf("unknown mask policy %q", s)
}

func (p MaskPolicy) value(raw uint8) float64 {
	if p == MaskThreshold {
		if raw >= 128 {
			return 1
		}
		return 0
	}
	if raw == 255 {
		return 1
	}
	return float64(raw)
}

// Sample is one transformed pair: Image is (1, 3, H, W) in [0, 1], Mask is (1, 1, H, W).
type Sample struct {
	Key   string
	Image *tensor.Tensor
	Mask  *tensor.Tensor
}

// Dataset is a fixed-length, randomly indexable set of image/mask pairs.
type Dataset struct {
	pairs     []Pair
	transform JointTransform
	policy    MaskPolicy
}

// Open discovers the pairs under imageDir and maskDir. transform may be nil.
func Open(imageDir, maskDir string, transform JointTransform, policy MaskPolicy) (*Dataset, error) {
	pairs, err := DiscoverPairs(imageDir, maskDir)
	if err != nil {
		return nil, err
	}
	return New(pairs, transform, policy), nil
}

// New builds a dataset over already discovered pairs.
func New(pairs []Pair, transform JointTransform, policy MaskPolicy) *Dataset {
	if policy == "" {
		policy = MaskExact
	}
	return &Dataset{pairs: pairs, transform: transform, policy: policy}
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.pairs) }

// Pair returns the files behind sample i.
func (d *Dataset) Pair(i int) Pair { return d.pairs[i] }

// Load reads, transforms and converts sample i. rng drives any random
// transform; it may be nil when the transform is deterministic.
func (d *Dataset) Load(i int, rng *rand.Rand) (Sample, error) {
	if i < 0 || i >= len(d.pairs) {
		return Sample{}, errors.Errorf("dataset: index %d out of range [0, %d)", i, len(d.pairs))
	}
	p := d.pairs[i]
	img, err := decodeFile(p.Image)
	if err != nil {
		return Sample{}, err
	}
	if _, err := os.Stat(p.Mask); os.IsNotExist(err) {
		return Sample{}, errors.Wrapf(ErrMissingMask, "%s", p.Mask)
	}
	rawMask, err := decodeFile(p.Mask)
	if err != nil {
		return Sample{}, err
	}
	rgb, gray := toRGBA(img), toGray(rawMask)
	if d.transform != nil {
		if rng == nil {
			rng = rand.New(rand.NewSource(int64(i)))
		}
		rgb, gray = d.transform.Apply(rgb, gray, rng)
	}
	if rgb.Bounds().Size() != gray.Bounds().Size() {
		return Sample{}, errors.Wrapf(tensor.ErrShape, "sample %s: image %v and mask %v differ",
			p.Key, rgb.Bounds().Size(), gray.Bounds().Size())
	}
	return Sample{Key: p.Key, Image: rgbTensor(rgb), Mask: maskTensor(gray, d.policy)}, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// toRGBA copies img into an opaque RGBA image. Alpha is dropped, not
// multiplied into the colour channels.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return dst
}

// toGray reduces img to 8-bit luma (ITU-R 601-2) computed from the
// un-premultiplied colour, ignoring alpha.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			l := (19595*uint32(c.R) + 38470*uint32(c.G) + 7471*uint32(c.B) + 1<<15) >> 16
			dst.SetGray(x, y, color.Gray{Y: uint8(l)})
		}
	}
	return dst
}

func rgbTensor(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	t := tensor.New(tensor.Shape{N: 1, C: 3, H: b.Dy(), W: b.Dx()})
	r, g, bl := t.Channel(0, 0), t.Channel(0, 1), t.Channel(0, 2)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			i := y*b.Dx() + x
			r[i] = float64(c.R) / 255
			g[i] = float64(c.G) / 255
			bl[i] = float64(c.B) / 255
		}
	}
	return t
}

func maskTensor(img *image.Gray, policy MaskPolicy) *tensor.Tensor {
	b := img.Bounds()
	t := tensor.New(tensor.Shape{N: 1, C: 1, H: b.Dy(), W: b.Dx()})
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			t.Data[y*b.Dx()+x] = policy.value(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
		}
	}
	return t
}
