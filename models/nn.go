// Package models implements the inference-side model stack: the VAE, the
// conditional noise-prediction network, the DDPM reverse process, and the
// composite wrapper that ties them together.
package models

import (
	"fmt"
	"math"

	"github.com/tsawler/go-diffusion/tensor"
)

// module is anything carrying named parameters. Parameter names are
// dot-separated paths so checkpoint restoration can address subtrees
// (e.g. everything under "vae.").
type module interface {
	collectParams(prefix string, out map[string]*tensor.Tensor)
}

// Conv2D is a 2D convolution over a single CHW tensor.
type Conv2D struct {
	Weight *tensor.Tensor // (outC, inC, k, k)
	Bias   *tensor.Tensor // (outC)
	Stride int
	Pad    int
}

// NewConv2D creates a zero-initialized convolution. Parameters are
// expected to be filled in from a checkpoint.
func NewConv2D(inC, outC, kernel, stride, pad int) *Conv2D {
	w, _ := tensor.Zeros([]int{outC, inC, kernel, kernel})
	b, _ := tensor.Zeros([]int{outC})
	return &Conv2D{Weight: w, Bias: b, Stride: stride, Pad: pad}
}

func (c *Conv2D) collectParams(prefix string, out map[string]*tensor.Tensor) {
	out[prefix+".weight"] = c.Weight
	out[prefix+".bias"] = c.Bias
}

// Forward applies the convolution to x of shape (inC, H, W).
func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outC, inC := c.Weight.Shape[0], c.Weight.Shape[1]
	k := c.Weight.Shape[2]

	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("conv2d expects CHW input, got shape %v", x.Shape)
	}
	if x.Shape[0] != inC {
		return nil, fmt.Errorf("conv2d expects %d input channels, got %d", inC, x.Shape[0])
	}

	h, w := x.Shape[1], x.Shape[2]
	outH := (h+2*c.Pad-k)/c.Stride + 1
	outW := (w+2*c.Pad-k)/c.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d output collapsed: input %dx%d, kernel %d, stride %d", h, w, k, c.Stride)
	}

	out, err := tensor.Zeros([]int{outC, outH, outW})
	if err != nil {
		return nil, err
	}

	for oc := 0; oc < outC; oc++ {
		bias := c.Bias.Data[oc]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := bias
				baseY := oy*c.Stride - c.Pad
				baseX := ox*c.Stride - c.Pad
				for ic := 0; ic < inC; ic++ {
					for ky := 0; ky < k; ky++ {
						iy := baseY + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := baseX + kx
							if ix < 0 || ix >= w {
								continue
							}
							sum += x.Data[(ic*h+iy)*w+ix] * c.Weight.Data[((oc*inC+ic)*k+ky)*k+kx]
						}
					}
				}
				out.Data[(oc*outH+oy)*outW+ox] = sum
			}
		}
	}
	return out, nil
}

// Linear is a fully connected layer over a 1D tensor.
type Linear struct {
	Weight *tensor.Tensor // (out, in)
	Bias   *tensor.Tensor // (out)
}

// NewLinear creates a zero-initialized linear layer.
func NewLinear(in, out int) *Linear {
	w, _ := tensor.Zeros([]int{out, in})
	b, _ := tensor.Zeros([]int{out})
	return &Linear{Weight: w, Bias: b}
}

func (l *Linear) collectParams(prefix string, out map[string]*tensor.Tensor) {
	out[prefix+".weight"] = l.Weight
	out[prefix+".bias"] = l.Bias
}

// Forward applies the layer to x of shape (in).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outDim, inDim := l.Weight.Shape[0], l.Weight.Shape[1]
	if len(x.Shape) != 1 || x.Shape[0] != inDim {
		return nil, fmt.Errorf("linear expects shape [%d], got %v", inDim, x.Shape)
	}

	out, _ := tensor.Zeros([]int{outDim})
	for o := 0; o < outDim; o++ {
		sum := l.Bias.Data[o]
		row := l.Weight.Data[o*inDim : (o+1)*inDim]
		for i, v := range x.Data {
			sum += row[i] * v
		}
		out.Data[o] = sum
	}
	return out, nil
}

// GroupNorm normalizes channel groups of a CHW tensor.
type GroupNorm struct {
	Groups int
	Gamma  *tensor.Tensor // (C)
	Beta   *tensor.Tensor // (C)
}

const normEps = 1e-5

// NewGroupNorm creates a GroupNorm with identity scale. The group count
// is reduced to the channel count when channels are scarce.
func NewGroupNorm(groups, channels int) *GroupNorm {
	if groups > channels {
		groups = channels
	}
	for channels%groups != 0 {
		groups--
	}
	gamma, _ := tensor.Full([]int{channels}, 1)
	beta, _ := tensor.Zeros([]int{channels})
	return &GroupNorm{Groups: groups, Gamma: gamma, Beta: beta}
}

func (g *GroupNorm) collectParams(prefix string, out map[string]*tensor.Tensor) {
	out[prefix+".gamma"] = g.Gamma
	out[prefix+".beta"] = g.Beta
}

// Forward normalizes x of shape (C, H, W).
func (g *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("groupnorm expects CHW input, got shape %v", x.Shape)
	}
	channels := x.Shape[0]
	if channels != g.Gamma.Shape[0] {
		return nil, fmt.Errorf("groupnorm expects %d channels, got %d", g.Gamma.Shape[0], channels)
	}

	plane := x.Shape[1] * x.Shape[2]
	perGroup := channels / g.Groups
	out, _ := tensor.Zeros(x.Shape)

	for grp := 0; grp < g.Groups; grp++ {
		start := grp * perGroup * plane
		end := start + perGroup*plane

		var mean float64
		for _, v := range x.Data[start:end] {
			mean += float64(v)
		}
		mean /= float64(end - start)

		var variance float64
		for _, v := range x.Data[start:end] {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(end - start)
		invStd := 1 / math.Sqrt(variance+normEps)

		for c := grp * perGroup; c < (grp+1)*perGroup; c++ {
			gamma := float64(g.Gamma.Data[c])
			beta := float64(g.Beta.Data[c])
			for i := c * plane; i < (c+1)*plane; i++ {
				out.Data[i] = float32((float64(x.Data[i])-mean)*invStd*gamma + beta)
			}
		}
	}
	return out, nil
}

// SelfAttention2D is multi-head self-attention over the spatial positions
// of a CHW tensor.
type SelfAttention2D struct {
	Heads int
	Norm  *GroupNorm
	QKV   *Conv2D // 1x1 to 3C
	Proj  *Conv2D // 1x1 back to C
}

// NewSelfAttention2D creates an attention block for the given channel
// count and head count.
func NewSelfAttention2D(channels, heads int) *SelfAttention2D {
	if heads <= 0 || channels%heads != 0 {
		heads = 1
	}
	return &SelfAttention2D{
		Heads: heads,
		Norm:  NewGroupNorm(32, channels),
		QKV:   NewConv2D(channels, 3*channels, 1, 1, 0),
		Proj:  NewConv2D(channels, channels, 1, 1, 0),
	}
}

func (a *SelfAttention2D) collectParams(prefix string, out map[string]*tensor.Tensor) {
	a.Norm.collectParams(prefix+".norm", out)
	a.QKV.collectParams(prefix+".qkv", out)
	a.Proj.collectParams(prefix+".proj", out)
}

// Forward applies attention with a residual connection.
func (a *SelfAttention2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	channels := x.Shape[0]
	positions := x.Shape[1] * x.Shape[2]

	normed, err := a.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	qkv, err := a.QKV.Forward(normed)
	if err != nil {
		return nil, err
	}

	headDim := channels / a.Heads
	scale := 1 / math.Sqrt(float64(headDim))
	attended, _ := tensor.Zeros(x.Shape)
	scores := make([]float64, positions)

	// qkv layout: channels [0,C) are q, [C,2C) are k, [2C,3C) are v.
	for head := 0; head < a.Heads; head++ {
		c0 := head * headDim
		for qi := 0; qi < positions; qi++ {
			maxScore := math.Inf(-1)
			for ki := 0; ki < positions; ki++ {
				var dot float64
				for d := 0; d < headDim; d++ {
					q := qkv.Data[(c0+d)*positions+qi]
					k := qkv.Data[(channels+c0+d)*positions+ki]
					dot += float64(q) * float64(k)
				}
				scores[ki] = dot * scale
				if scores[ki] > maxScore {
					maxScore = scores[ki]
				}
			}

			var sum float64
			for ki := range scores {
				scores[ki] = math.Exp(scores[ki] - maxScore)
				sum += scores[ki]
			}

			for d := 0; d < headDim; d++ {
				var acc float64
				for ki := 0; ki < positions; ki++ {
					v := qkv.Data[(2*channels+c0+d)*positions+ki]
					acc += scores[ki] / sum * float64(v)
				}
				attended.Data[(c0+d)*positions+qi] = float32(acc)
			}
		}
	}

	projected, err := a.Proj.Forward(attended)
	if err != nil {
		return nil, err
	}
	return tensor.Add(x, projected)
}

// silu applies x*sigmoid(x) elementwise, returning a new tensor.
func silu(x *tensor.Tensor) *tensor.Tensor {
	out, _ := tensor.Zeros(x.Shape)
	for i, v := range x.Data {
		out.Data[i] = v / (1 + float32(math.Exp(-float64(v))))
	}
	return out
}

// upsampleNearest2x doubles the spatial resolution of a CHW tensor.
func upsampleNearest2x(x *tensor.Tensor) *tensor.Tensor {
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	out, _ := tensor.Zeros([]int{c, 2 * h, 2 * w})
	for ch := 0; ch < c; ch++ {
		for y := 0; y < 2*h; y++ {
			for xx := 0; xx < 2*w; xx++ {
				out.Data[(ch*2*h+y)*2*w+xx] = x.Data[(ch*h+y/2)*w+xx/2]
			}
		}
	}
	return out
}

// concatChannels stacks two CHW tensors along the channel axis.
func concatChannels(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Shape[1] != b.Shape[1] || a.Shape[2] != b.Shape[2] {
		return nil, fmt.Errorf("spatial mismatch in concat: %v vs %v", a.Shape, b.Shape)
	}
	out, _ := tensor.Zeros([]int{a.Shape[0] + b.Shape[0], a.Shape[1], a.Shape[2]})
	copy(out.Data, a.Data)
	copy(out.Data[len(a.Data):], b.Data)
	return out, nil
}

// timestepEmbedding produces the sinusoidal embedding of a diffusion
// timestep.
func timestepEmbedding(t, dim int) *tensor.Tensor {
	out, _ := tensor.Zeros([]int{dim})
	half := dim / 2
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		angle := float64(t) * freq
		out.Data[i] = float32(math.Cos(angle))
		out.Data[half+i] = float32(math.Sin(angle))
	}
	return out
}
