package models

import (
	"fmt"

	"github.com/tsawler/go-diffusion/tensor"
)

// SuperResConfig holds the noise-prediction network hyperparameters.
type SuperResConfig struct {
	InChannels      int // channels of the noisy input (conditioning doubles this internally)
	ModelChannels   int
	OutChannels     int
	NumResBlocks    int
	AttnResolutions []int
	ChannelMult     []int
	Dropout         float64 // retained for checkpoint compatibility; inert at inference
	NumHeads        int
	InputRes        int // spatial resolution of the input, decides where attention sits
}

// ResBlock is a residual block with timestep conditioning.
type ResBlock struct {
	Norm1    *GroupNorm
	Conv1    *Conv2D
	TimeProj *Linear
	Norm2    *GroupNorm
	Conv2    *Conv2D
	Skip     *Conv2D // 1x1, nil when channel counts already match
}

// NewResBlock creates a residual block mapping inC to outC channels,
// conditioned on an embedding of embDim.
func NewResBlock(inC, outC, embDim int) *ResBlock {
	rb := &ResBlock{
		Norm1:    NewGroupNorm(32, inC),
		Conv1:    NewConv2D(inC, outC, 3, 1, 1),
		TimeProj: NewLinear(embDim, outC),
		Norm2:    NewGroupNorm(32, outC),
		Conv2:    NewConv2D(outC, outC, 3, 1, 1),
	}
	if inC != outC {
		rb.Skip = NewConv2D(inC, outC, 1, 1, 0)
	}
	return rb
}

func (rb *ResBlock) collectParams(prefix string, out map[string]*tensor.Tensor) {
	rb.Norm1.collectParams(prefix+".norm1", out)
	rb.Conv1.collectParams(prefix+".conv1", out)
	rb.TimeProj.collectParams(prefix+".time_proj", out)
	rb.Norm2.collectParams(prefix+".norm2", out)
	rb.Conv2.collectParams(prefix+".conv2", out)
	if rb.Skip != nil {
		rb.Skip.collectParams(prefix+".skip", out)
	}
}

// Forward applies the block to x (CHW) conditioned on emb.
func (rb *ResBlock) Forward(x *tensor.Tensor, emb *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := rb.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = rb.Conv1.Forward(silu(h))
	if err != nil {
		return nil, err
	}

	proj, err := rb.TimeProj.Forward(silu(emb))
	if err != nil {
		return nil, err
	}
	plane := h.Shape[1] * h.Shape[2]
	for c := 0; c < h.Shape[0]; c++ {
		bias := proj.Data[c]
		for i := c * plane; i < (c+1)*plane; i++ {
			h.Data[i] += bias
		}
	}

	h, err = rb.Norm2.Forward(h)
	if err != nil {
		return nil, err
	}
	h, err = rb.Conv2.Forward(silu(h))
	if err != nil {
		return nil, err
	}

	residual := x
	if rb.Skip != nil {
		residual, err = rb.Skip.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return tensor.Add(h, residual)
}

type downStage struct {
	blocks []*ResBlock
	attns  []*SelfAttention2D // nil entries where the stage has no attention
	down   *Conv2D            // stride-2, nil on the last stage
}

type upStage struct {
	up     *Conv2D // applied after nearest upsample, nil on the first stage
	blocks []*ResBlock
	attns  []*SelfAttention2D
}

// SuperResModel predicts the noise content of a latent given the noisy
// input and a conditioning image, following the usual U-shaped layout of
// downsampling stages, a middle block, and mirrored upsampling stages
// with skip connections.
type SuperResModel struct {
	cfg SuperResConfig

	timeEmbed1 *Linear
	timeEmbed2 *Linear

	inConv *Conv2D
	down   []*downStage

	midBlock1 *ResBlock
	midAttn   *SelfAttention2D
	midBlock2 *ResBlock

	up []*upStage

	outNorm *GroupNorm
	outConv *Conv2D
}

// NewSuperResModel builds the network for the given hyperparameters.
func NewSuperResModel(cfg SuperResConfig) (*SuperResModel, error) {
	if cfg.ModelChannels <= 0 {
		return nil, fmt.Errorf("model channels must be positive, got %d", cfg.ModelChannels)
	}
	if len(cfg.ChannelMult) == 0 {
		return nil, fmt.Errorf("channel multipliers cannot be empty")
	}
	if cfg.NumResBlocks <= 0 {
		return nil, fmt.Errorf("residual block count must be positive, got %d", cfg.NumResBlocks)
	}
	if cfg.InputRes <= 0 {
		return nil, fmt.Errorf("input resolution must be positive, got %d", cfg.InputRes)
	}

	embDim := 4 * cfg.ModelChannels
	m := &SuperResModel{
		cfg:        cfg,
		timeEmbed1: NewLinear(cfg.ModelChannels, embDim),
		timeEmbed2: NewLinear(embDim, embDim),
		// Conditioning image is concatenated onto the noisy input.
		inConv: NewConv2D(2*cfg.InChannels, cfg.ModelChannels, 3, 1, 1),
	}

	ch := cfg.ModelChannels
	res := cfg.InputRes
	for i, mult := range cfg.ChannelMult {
		stage := &downStage{}
		outC := cfg.ModelChannels * mult
		for b := 0; b < cfg.NumResBlocks; b++ {
			stage.blocks = append(stage.blocks, NewResBlock(ch, outC, embDim))
			ch = outC
			if m.wantsAttention(res) {
				stage.attns = append(stage.attns, NewSelfAttention2D(ch, cfg.NumHeads))
			} else {
				stage.attns = append(stage.attns, nil)
			}
		}
		if i < len(cfg.ChannelMult)-1 {
			stage.down = NewConv2D(ch, ch, 3, 2, 1)
			res /= 2
		}
		m.down = append(m.down, stage)
	}

	m.midBlock1 = NewResBlock(ch, ch, embDim)
	m.midAttn = NewSelfAttention2D(ch, cfg.NumHeads)
	m.midBlock2 = NewResBlock(ch, ch, embDim)

	for i := len(cfg.ChannelMult) - 1; i >= 0; i-- {
		stage := &upStage{}
		if i < len(cfg.ChannelMult)-1 {
			stage.up = NewConv2D(ch, ch, 3, 1, 1)
			res *= 2
		}
		outC := cfg.ModelChannels * cfg.ChannelMult[i]
		// First block consumes the skip connection from the matching
		// down stage.
		stage.blocks = append(stage.blocks, NewResBlock(ch+outC, outC, embDim))
		for b := 1; b < cfg.NumResBlocks; b++ {
			stage.blocks = append(stage.blocks, NewResBlock(outC, outC, embDim))
		}
		for range stage.blocks {
			if m.wantsAttention(res) {
				stage.attns = append(stage.attns, NewSelfAttention2D(outC, cfg.NumHeads))
			} else {
				stage.attns = append(stage.attns, nil)
			}
		}
		ch = outC
		m.up = append(m.up, stage)
	}

	m.outNorm = NewGroupNorm(32, ch)
	m.outConv = NewConv2D(ch, cfg.OutChannels, 3, 1, 1)
	return m, nil
}

func (m *SuperResModel) wantsAttention(res int) bool {
	for _, r := range m.cfg.AttnResolutions {
		if r == res {
			return true
		}
	}
	return false
}

// Forward predicts the noise in x given the conditioning image cond and
// the diffusion timestep t. Both tensors are (InChannels, S, S).
func (m *SuperResModel) Forward(x, cond *tensor.Tensor, t int) (*tensor.Tensor, error) {
	if !x.ShapeEquals(cond.Shape) {
		return nil, fmt.Errorf("input and conditioning shapes differ: %v vs %v", x.Shape, cond.Shape)
	}
	if len(x.Shape) != 3 || x.Shape[1] != m.cfg.InputRes || x.Shape[2] != m.cfg.InputRes {
		return nil, fmt.Errorf("expected (%d, %d, %d) input, got %v",
			m.cfg.InChannels, m.cfg.InputRes, m.cfg.InputRes, x.Shape)
	}

	emb, err := m.timeEmbed1.Forward(timestepEmbedding(t, m.cfg.ModelChannels))
	if err != nil {
		return nil, err
	}
	emb, err = m.timeEmbed2.Forward(silu(emb))
	if err != nil {
		return nil, err
	}

	joined, err := concatChannels(x, cond)
	if err != nil {
		return nil, err
	}
	h, err := m.inConv.Forward(joined)
	if err != nil {
		return nil, err
	}

	skips := make([]*tensor.Tensor, 0, len(m.down))
	for _, stage := range m.down {
		for b, block := range stage.blocks {
			if h, err = block.Forward(h, emb); err != nil {
				return nil, err
			}
			if stage.attns[b] != nil {
				if h, err = stage.attns[b].Forward(h); err != nil {
					return nil, err
				}
			}
		}
		skips = append(skips, h)
		if stage.down != nil {
			if h, err = stage.down.Forward(h); err != nil {
				return nil, err
			}
		}
	}

	if h, err = m.midBlock1.Forward(h, emb); err != nil {
		return nil, err
	}
	if h, err = m.midAttn.Forward(h); err != nil {
		return nil, err
	}
	if h, err = m.midBlock2.Forward(h, emb); err != nil {
		return nil, err
	}

	for i, stage := range m.up {
		if stage.up != nil {
			if h, err = stage.up.Forward(upsampleNearest2x(h)); err != nil {
				return nil, err
			}
		}
		skip := skips[len(skips)-1-i]
		if h, err = concatChannels(h, skip); err != nil {
			return nil, err
		}
		for b, block := range stage.blocks {
			if h, err = block.Forward(h, emb); err != nil {
				return nil, err
			}
			if stage.attns[b] != nil {
				if h, err = stage.attns[b].Forward(h); err != nil {
					return nil, err
				}
			}
		}
	}

	if h, err = m.outNorm.Forward(h); err != nil {
		return nil, err
	}
	return m.outConv.Forward(silu(h))
}

// NamedParameters returns every learnable tensor keyed by its path.
func (m *SuperResModel) NamedParameters() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	m.collectParams("", out)
	return out
}

func (m *SuperResModel) collectParams(prefix string, out map[string]*tensor.Tensor) {
	m.timeEmbed1.collectParams(prefix+"time_embed.0", out)
	m.timeEmbed2.collectParams(prefix+"time_embed.1", out)
	m.inConv.collectParams(prefix+"in_conv", out)

	for i, stage := range m.down {
		for b, block := range stage.blocks {
			block.collectParams(fmt.Sprintf("%sdown.%d.block.%d", prefix, i, b), out)
			if stage.attns[b] != nil {
				stage.attns[b].collectParams(fmt.Sprintf("%sdown.%d.attn.%d", prefix, i, b), out)
			}
		}
		if stage.down != nil {
			stage.down.collectParams(fmt.Sprintf("%sdown.%d.downsample", prefix, i), out)
		}
	}

	m.midBlock1.collectParams(prefix+"mid.block1", out)
	m.midAttn.collectParams(prefix+"mid.attn", out)
	m.midBlock2.collectParams(prefix+"mid.block2", out)

	for i, stage := range m.up {
		if stage.up != nil {
			stage.up.collectParams(fmt.Sprintf("%sup.%d.upsample", prefix, i), out)
		}
		for b, block := range stage.blocks {
			block.collectParams(fmt.Sprintf("%sup.%d.block.%d", prefix, i, b), out)
			if stage.attns[b] != nil {
				stage.attns[b].collectParams(fmt.Sprintf("%sup.%d.attn.%d", prefix, i, b), out)
			}
		}
	}

	m.outNorm.collectParams(prefix+"out_norm", out)
	m.outConv.collectParams(prefix+"out_conv", out)
}

// DeepCopy builds a structurally identical model with independent
// parameter storage holding the same values. The EMA target network is
// constructed this way.
func (m *SuperResModel) DeepCopy() (*SuperResModel, error) {
	clone, err := NewSuperResModel(m.cfg)
	if err != nil {
		return nil, err
	}

	src := m.NamedParameters()
	dst := clone.NamedParameters()
	for name, t := range src {
		target, found := dst[name]
		if !found {
			return nil, fmt.Errorf("copy structure mismatch at %s", name)
		}
		copy(target.Data, t.Data)
	}
	return clone, nil
}
