package model

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clothseg/internal/nn"
	"clothseg/internal/tensor"
)

var _ Model = (*UNet)(nil)

// DefaultFeatures is the encoder width pyramid used when none is configured.
var DefaultFeatures = []int{64, 128, 256, 512}

// Config describes the shape of a UNet.
type Config struct {
	InChannels  int
	OutChannels int
	Features    []int
	Seed        int64
}

// UNet is an encoder-decoder segmentation network. Every encoder stage keeps
// its output as a skip connection that the mirrored decoder stage consumes.
type UNet struct {
	cfg Config

	downs      []nn.Sequential
	pools      []*nn.MaxPool2D
	bottleneck nn.Sequential
	ups        []*upStage
	final      *nn.Conv2D

	skipGrads []*tensor.Tensor
}

type upStage struct {
	up     *nn.ConvTranspose2x2
	resize nn.Resize
	conv   nn.Sequential
	skipC  int
}

// doubleConv is two rounds of 3x3 conv, batch norm and ReLU.
func doubleConv(name string, in, out int, rng *rand.Rand) nn.Sequential {
	return nn.Sequential{
		nn.NewConv2D(name+".0", in, out, 3, 1, false, rng),
		nn.NewBatchNorm2D(name+".1", out),
		&nn.ReLU{},
		nn.NewConv2D(name+".3", out, out, 3, 1, false, rng),
		nn.NewBatchNorm2D(name+".4", out),
		&nn.ReLU{},
	}
}

// NewUNet builds the network. Zero-valued fields fall back to 3 input
// channels, 1 output class and DefaultFeatures.
func NewUNet(cfg Config) (*UNet, error) {
	if cfg.InChannels == 0 {
		cfg.InChannels = 3
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = 1
	}
	if len(cfg.Features) == 0 {
		cfg.Features = DefaultFeatures
	}
	if cfg.InChannels < 0 || cfg.OutChannels < 0 {
		return nil, errors.Errorf("unet: invalid channels in=%d out=%d", cfg.InChannels, cfg.OutChannels)
	}
	for _, f := range cfg.Features {
		if f <= 0 {
			return nil, errors.Errorf("unet: feature widths must be positive, got %v", cfg.Features)
		}
	}
	cfg.Features = append([]int(nil), cfg.Features...)
	rng := rand.New(rand.NewSource(cfg.Seed))

	u := &UNet{cfg: cfg}
	in := cfg.InChannels
	for i, f := range cfg.Features {
		u.downs = append(u.downs, doubleConv(fmt.Sprintf("downs.%d.conv", i), in, f, rng))
		u.pools = append(u.pools, &nn.MaxPool2D{})
		in = f
	}
	last := cfg.Features[len(cfg.Features)-1]
	u.bottleneck = doubleConv("bottleneck.conv", last, 2*last, rng)
	in = 2 * last
	for i := len(cfg.Features) - 1; i >= 0; i-- {
		f := cfg.Features[i]
		stage := len(u.ups)
		u.ups = append(u.ups, &upStage{
			up:    nn.NewConvTranspose2x2(fmt.Sprintf("ups.%d", 2*stage), in, f, rng),
			conv:  doubleConv(fmt.Sprintf("ups.%d.conv", 2*stage+1), 2*f, f, rng),
			skipC: f,
		})
		in = f
	}
	u.final = nn.NewConv2D("final_conv", cfg.Features[0], cfg.OutChannels, 1, 0, true, rng)
	return u, nil
}

// Config returns the resolved configuration.
func (u *UNet) Config() Config { return u.cfg }

// Forward maps (N, InChannels, H, W) to logits of shape (N, OutChannels, H, W).
// The input must survive len(Features) halvings, i.e. H, W >= 2^len(Features).
func (u *UNet) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	in := x.Shape
	skips := make([]*tensor.Tensor, 0, len(u.downs))
	var err error
	for i, down := range u.downs {
		if x, err = down.Forward(x, train); err != nil {
			return nil, errors.Wrapf(err, "encoder stage %d", i)
		}
		skips = append(skips, x)
		if x, err = u.pools[i].Forward(x, train); err != nil {
			return nil, errors.Wrapf(err, "encoder stage %d", i)
		}
	}
	if x, err = u.bottleneck.Forward(x, train); err != nil {
		return nil, errors.Wrap(err, "bottleneck")
	}
	for i, st := range u.ups {
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		if x, err = st.up.Forward(x, train); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		// pooling truncates odd sizes; the skip connection's size wins
		if x, err = st.resize.To(x, skip.Shape.H, skip.Shape.W, train); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		if x, err = nn.Concat(skip, x); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		if x, err = st.conv.Forward(x, train); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
	}
	out, err := u.final.Forward(x, train)
	if err != nil {
		return nil, errors.Wrap(err, "final projection")
	}
	if err := out.Expect(tensor.Shape{N: in.N, C: u.cfg.OutChannels, H: in.H, W: in.W}, "unet output"); err != nil {
		return nil, err
	}
	return out, nil
}

// Backward propagates dL/dlogits through the network, accumulating parameter
// gradients, and returns dL/dinput. It must follow a training Forward.
func (u *UNet) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	d, err := u.final.Backward(dy)
	if err != nil {
		return nil, errors.Wrap(err, "final projection")
	}
	u.skipGrads = make([]*tensor.Tensor, len(u.downs))
	for i := len(u.ups) - 1; i >= 0; i-- {
		st := u.ups[i]
		if d, err = st.conv.Backward(d); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		dskip, dup, err := nn.SplitChannels(d, st.skipC)
		if err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		u.skipGrads[len(u.downs)-1-i] = dskip
		if d, err = st.resize.Backward(dup); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
		if d, err = st.up.Backward(d); err != nil {
			return nil, errors.Wrapf(err, "decoder stage %d", i)
		}
	}
	if d, err = u.bottleneck.Backward(d); err != nil {
		return nil, errors.Wrap(err, "bottleneck")
	}
	for i := len(u.downs) - 1; i >= 0; i-- {
		if d, err = u.pools[i].Backward(d); err != nil {
			return nil, errors.Wrapf(err, "encoder stage %d", i)
		}
		floats.Add(d.Data, u.skipGrads[i].Data)
		if d, err = u.downs[i].Backward(d); err != nil {
			return nil, errors.Wrapf(err, "encoder stage %d", i)
		}
	}
	u.skipGrads = nil
	return d, nil
}

// Params returns every learnable parameter in a stable order.
func (u *UNet) Params() []*nn.Param {
	var ps []*nn.Param
	for _, d := range u.downs {
		ps = append(ps, d.Params()...)
	}
	ps = append(ps, u.bottleneck.Params()...)
	for _, st := range u.ups {
		ps = append(ps, st.up.Params()...)
		ps = append(ps, st.conv.Params()...)
	}
	return append(ps, u.final.Params()...)
}

// Buffers returns the normalisation running statistics.
func (u *UNet) Buffers() []*nn.Param {
	var bs []*nn.Param
	for _, d := range u.downs {
		bs = append(bs, d.Buffers()...)
	}
	bs = append(bs, u.bottleneck.Buffers()...)
	for _, st := range u.ups {
		bs = append(bs, st.conv.Buffers()...)
	}
	return bs
}

// ParamCount returns the number of learnable scalars.
func (u *UNet) ParamCount() int {
	n := 0
	for _, p := range u.Params() {
		n += len(p.Value)
	}
	return n
}

// ZeroGrad clears all parameter gradients.
func (u *UNet) ZeroGrad() {
	for _, p := range u.Params() {
		p.ZeroGrad()
	}
}

// StateDict copies parameters and buffers keyed by name.
func (u *UNet) StateDict() map[string][]float64 {
	state := make(map[string][]float64)
	for _, p := range append(u.Params(), u.Buffers()...) {
		state[p.Name] = append([]float64(nil), p.Value...)
	}
	return state
}

// LoadStateDict restores parameters and buffers. Missing, unexpected or
// mis-sized entries are an error and leave the network untouched.
func (u *UNet) LoadStateDict(state map[string][]float64) error {
	entries := append(u.Params(), u.Buffers()...)
	if len(state) != len(entries) {
		return errors.Errorf("unet: state has %d entries, network has %d", len(state), len(entries))
	}
	for _, p := range entries {
		v, ok := state[p.Name]
		if !ok {
			return errors.Errorf("unet: state is missing %s", p.Name)
		}
		if len(v) != len(p.Value) {
			return errors.Wrapf(tensor.ErrShape, "unet: %s has %d values, want %d", p.Name, len(v), len(p.Value))
		}
	}
	for _, p := range entries {
		copy(p.Value, state[p.Name])
	}
	return nil
}
