package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-diffusion/tensor"
)

// vaeStage is one resolution level of the encoder or decoder stack.
type vaeStage struct {
	res      int
	blocks   int
	channels int
}

// parseStages reads a block string of "<resolution>x<count>" tokens and a
// matching comma-separated channel string. Empty tokens are skipped the
// same way the integer-list parser skips them.
func parseStages(blockStr, channelStr string) ([]vaeStage, error) {
	var stages []vaeStage
	for _, tok := range strings.Split(blockStr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.Split(tok, "x")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid block token %q, want <res>x<count>", tok)
		}
		res, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid resolution in block token %q", tok)
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid block count in token %q", tok)
		}
		if res <= 0 || count <= 0 {
			return nil, fmt.Errorf("block token %q must be positive", tok)
		}
		stages = append(stages, vaeStage{res: res, blocks: count})
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("empty block config %q", blockStr)
	}

	var channels []int
	for _, tok := range strings.Split(channelStr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		ch, err := strconv.Atoi(tok)
		if err != nil || ch <= 0 {
			return nil, fmt.Errorf("invalid channel token %q", tok)
		}
		channels = append(channels, ch)
	}
	if len(channels) != len(stages) {
		return nil, fmt.Errorf("channel config lists %d stages, block config lists %d", len(channels), len(stages))
	}
	for i := range stages {
		stages[i].channels = channels[i]
	}
	return stages, nil
}

// VAEBlock is a residual block without timestep conditioning.
type VAEBlock struct {
	Norm1 *GroupNorm
	Conv1 *Conv2D
	Norm2 *GroupNorm
	Conv2 *Conv2D
	Skip  *Conv2D // 1x1, nil when channels match
}

// NewVAEBlock creates a residual block mapping inC to outC channels.
func NewVAEBlock(inC, outC int) *VAEBlock {
	b := &VAEBlock{
		Norm1: NewGroupNorm(32, inC),
		Conv1: NewConv2D(inC, outC, 3, 1, 1),
		Norm2: NewGroupNorm(32, outC),
		Conv2: NewConv2D(outC, outC, 3, 1, 1),
	}
	if inC != outC {
		b.Skip = NewConv2D(inC, outC, 1, 1, 0)
	}
	return b
}

func (b *VAEBlock) collectParams(prefix string, out map[string]*tensor.Tensor) {
	b.Norm1.collectParams(prefix+".norm1", out)
	b.Conv1.collectParams(prefix+".conv1", out)
	b.Norm2.collectParams(prefix+".norm2", out)
	b.Conv2.collectParams(prefix+".conv2", out)
	if b.Skip != nil {
		b.Skip.collectParams(prefix+".skip", out)
	}
}

// Forward applies the block to x.
func (b *VAEBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.Conv1.Forward(silu(h)); err != nil {
		return nil, err
	}
	if h, err = b.Norm2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.Conv2.Forward(silu(h)); err != nil {
		return nil, err
	}

	residual := x
	if b.Skip != nil {
		if residual, err = b.Skip.Forward(x); err != nil {
			return nil, err
		}
	}
	return tensor.Add(h, residual)
}

type encStage struct {
	blocks []*VAEBlock
	down   *Conv2D // stride-2 into next stage channels, nil on the last stage
}

type decStage struct {
	up     *Conv2D // applied after nearest upsample, nil on the first stage
	blocks []*VAEBlock
}

// VAE is the hierarchical encoder/decoder pair. At inference the encode
// path is deterministic: it returns the posterior mean and ignores the
// variance head.
type VAE struct {
	inputRes  int
	latentRes int
	latentCh  int

	inConv    *Conv2D
	enc       []*encStage
	quantConv *Conv2D // 1x1 to 2*latentCh (mean and log-variance)

	postConv *Conv2D // 1x1 from latentCh into the first decoder stage
	dec      []*decStage
	outNorm  *GroupNorm
	outConv  *Conv2D
}

// NewVAE builds the model from its block and channel configuration
// strings. The encoder stages must start at inputRes and halve the
// resolution between stages; the decoder mirrors that back up to
// inputRes, starting at the encoder's final resolution.
func NewVAE(inputRes int, encBlockStr, decBlockStr, encChannelStr, decChannelStr string) (*VAE, error) {
	encStages, err := parseStages(encBlockStr, encChannelStr)
	if err != nil {
		return nil, fmt.Errorf("encoder config: %w", err)
	}
	decStages, err := parseStages(decBlockStr, decChannelStr)
	if err != nil {
		return nil, fmt.Errorf("decoder config: %w", err)
	}

	if encStages[0].res != inputRes {
		return nil, fmt.Errorf("encoder starts at resolution %d, input is %d", encStages[0].res, inputRes)
	}
	for i := 1; i < len(encStages); i++ {
		if encStages[i].res*2 != encStages[i-1].res {
			return nil, fmt.Errorf("encoder stage %d resolution %d does not halve %d",
				i, encStages[i].res, encStages[i-1].res)
		}
	}
	bottleneck := encStages[len(encStages)-1]
	if decStages[0].res != bottleneck.res {
		return nil, fmt.Errorf("decoder starts at resolution %d, encoder ends at %d",
			decStages[0].res, bottleneck.res)
	}
	for i := 1; i < len(decStages); i++ {
		if decStages[i].res != decStages[i-1].res*2 {
			return nil, fmt.Errorf("decoder stage %d resolution %d does not double %d",
				i, decStages[i].res, decStages[i-1].res)
		}
	}
	if decStages[len(decStages)-1].res != inputRes {
		return nil, fmt.Errorf("decoder ends at resolution %d, want %d",
			decStages[len(decStages)-1].res, inputRes)
	}

	v := &VAE{
		inputRes:  inputRes,
		latentRes: bottleneck.res,
		latentCh:  bottleneck.channels,
		inConv:    NewConv2D(3, encStages[0].channels, 3, 1, 1),
	}

	for i, st := range encStages {
		stage := &encStage{}
		ch := st.channels
		for b := 0; b < st.blocks; b++ {
			stage.blocks = append(stage.blocks, NewVAEBlock(ch, st.channels))
			ch = st.channels
		}
		if i < len(encStages)-1 {
			stage.down = NewConv2D(st.channels, encStages[i+1].channels, 3, 2, 1)
		}
		v.enc = append(v.enc, stage)
	}
	v.quantConv = NewConv2D(bottleneck.channels, 2*v.latentCh, 1, 1, 0)

	v.postConv = NewConv2D(v.latentCh, decStages[0].channels, 1, 1, 0)
	for i, st := range decStages {
		stage := &decStage{}
		if i > 0 {
			stage.up = NewConv2D(decStages[i-1].channels, st.channels, 3, 1, 1)
		}
		for b := 0; b < st.blocks; b++ {
			stage.blocks = append(stage.blocks, NewVAEBlock(st.channels, st.channels))
		}
		v.dec = append(v.dec, stage)
	}
	last := decStages[len(decStages)-1]
	v.outNorm = NewGroupNorm(32, last.channels)
	v.outConv = NewConv2D(last.channels, 3, 3, 1, 1)
	return v, nil
}

// LatentShape returns the shape of the latent tensor Encode produces.
func (v *VAE) LatentShape() []int {
	return []int{v.latentCh, v.latentRes, v.latentRes}
}

// Encode maps an image (3, S, S) to the posterior mean latent.
func (v *VAE) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !x.ShapeEquals([]int{3, v.inputRes, v.inputRes}) {
		return nil, fmt.Errorf("encode expects (3, %d, %d), got %v", v.inputRes, v.inputRes, x.Shape)
	}

	h, err := v.inConv.Forward(x)
	if err != nil {
		return nil, err
	}
	for _, stage := range v.enc {
		for _, block := range stage.blocks {
			if h, err = block.Forward(h); err != nil {
				return nil, err
			}
		}
		if stage.down != nil {
			if h, err = stage.down.Forward(h); err != nil {
				return nil, err
			}
		}
	}

	moments, err := v.quantConv.Forward(h)
	if err != nil {
		return nil, err
	}

	// The first half of the channels is the mean; the log-variance half
	// only matters during training.
	mean, _ := tensor.Zeros(v.LatentShape())
	copy(mean.Data, moments.Data[:mean.NumElems])
	return mean, nil
}

// Decode maps a latent back to image space in [-1, 1].
func (v *VAE) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	if !z.ShapeEquals(v.LatentShape()) {
		return nil, fmt.Errorf("decode expects %v, got %v", v.LatentShape(), z.Shape)
	}

	h, err := v.postConv.Forward(z)
	if err != nil {
		return nil, err
	}
	for _, stage := range v.dec {
		if stage.up != nil {
			if h, err = stage.up.Forward(upsampleNearest2x(h)); err != nil {
				return nil, err
			}
		}
		for _, block := range stage.blocks {
			if h, err = block.Forward(h); err != nil {
				return nil, err
			}
		}
	}

	if h, err = v.outNorm.Forward(h); err != nil {
		return nil, err
	}
	h, err = v.outConv.Forward(silu(h))
	if err != nil {
		return nil, err
	}
	return tensor.Tanh(h), nil
}

// Reconstruct is Encode followed by Decode.
func (v *VAE) Reconstruct(x *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := v.Encode(x)
	if err != nil {
		return nil, err
	}
	return v.Decode(z)
}

// NamedParameters returns every learnable tensor keyed by its path.
func (v *VAE) NamedParameters() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	v.collectParams("", out)
	return out
}

func (v *VAE) collectParams(prefix string, out map[string]*tensor.Tensor) {
	v.inConv.collectParams(prefix+"encoder.in_conv", out)
	for i, stage := range v.enc {
		for b, block := range stage.blocks {
			block.collectParams(fmt.Sprintf("%sencoder.%d.block.%d", prefix, i, b), out)
		}
		if stage.down != nil {
			stage.down.collectParams(fmt.Sprintf("%sencoder.%d.downsample", prefix, i), out)
		}
	}
	v.quantConv.collectParams(prefix+"quant", out)

	v.postConv.collectParams(prefix+"post_quant", out)
	for i, stage := range v.dec {
		if stage.up != nil {
			stage.up.collectParams(fmt.Sprintf("%sdecoder.%d.upsample", prefix, i), out)
		}
		for b, block := range stage.blocks {
			block.collectParams(fmt.Sprintf("%sdecoder.%d.block.%d", prefix, i, b), out)
		}
	}
	v.outNorm.collectParams(prefix+"decoder.out_norm", out)
	v.outConv.collectParams(prefix+"decoder.out_conv", out)
}
