// Package config loads the hierarchical evaluation configuration for a
// reconstruction sampling run. The configuration is read once at startup
// and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration record. It mirrors the two-model layout
// of the system: one section for the diffusion model and one for the VAE.
type Config struct {
	DDPM DDPMConfig `yaml:"ddpm"`
	VAE  VAEConfig  `yaml:"vae"`
}

// DDPMConfig groups the data, model, and evaluation settings of the
// diffusion side.
type DDPMConfig struct {
	Data       DataConfig      `yaml:"data"`
	Model      DDPMModelConfig `yaml:"model"`
	Evaluation EvalConfig      `yaml:"evaluation"`
}

// DataConfig describes the reconstruction source dataset.
type DataConfig struct {
	Root      string `yaml:"root"`
	ImageSize int    `yaml:"image_size"`
	NChannels int    `yaml:"n_channels"`
	Norm      bool   `yaml:"norm"`
}

// DDPMModelConfig holds the noise-prediction network hyperparameters and
// the noise schedule endpoints.
type DDPMModelConfig struct {
	Dim             int     `yaml:"dim"`
	NResidual       int     `yaml:"n_residual"`
	AttnResolutions string  `yaml:"attn_resolutions"`
	DimMults        string  `yaml:"dim_mults"`
	Dropout         float64 `yaml:"dropout"`
	NHeads          int     `yaml:"n_heads"`
	Beta1           float64 `yaml:"beta1"`
	Beta2           float64 `yaml:"beta2"`
	NTimesteps      int     `yaml:"n_timesteps"`
}

// EvalConfig holds everything specific to a sampling run.
type EvalConfig struct {
	Seed         uint64 `yaml:"seed"`
	ChkptPath    string `yaml:"chkpt_path"`
	BatchSize    int    `yaml:"batch_size"`
	NSteps       int    `yaml:"n_steps"`
	NSamples     int    `yaml:"n_samples"`
	Device       string `yaml:"device"`
	SavePath     string `yaml:"save_path"`
	SamplePrefix string `yaml:"sample_prefix"`
	SaveMode     string `yaml:"save_mode"`
	SaveVAE      bool   `yaml:"save_vae"`
	Workers      int    `yaml:"workers"`
}

// VAEConfig groups the VAE architecture strings and its checkpoint path.
type VAEConfig struct {
	Model      VAEModelConfig `yaml:"model"`
	Evaluation VAEEvalConfig  `yaml:"evaluation"`
}

// VAEModelConfig carries the encoder/decoder block stack description.
// Block strings list "<resolution>x<count>" stages; channel strings list
// the channel width per stage.
type VAEModelConfig struct {
	EncBlockConfig   string `yaml:"enc_block_config"`
	EncChannelConfig string `yaml:"enc_channel_config"`
	DecBlockConfig   string `yaml:"dec_block_config"`
	DecChannelConfig string `yaml:"dec_channel_config"`
}

// VAEEvalConfig holds the VAE checkpoint location.
type VAEEvalConfig struct {
	ChkptPath string `yaml:"chkpt_path"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields a sampling run depends on. It fails fast so
// that a bad configuration never reaches checkpoint loading.
func (c *Config) Validate() error {
	eval := c.DDPM.Evaluation
	if eval.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", eval.BatchSize)
	}
	if eval.NSamples <= 0 {
		return fmt.Errorf("n_samples must be positive, got %d", eval.NSamples)
	}
	if eval.NSteps <= 0 {
		return fmt.Errorf("n_steps must be positive, got %d", eval.NSteps)
	}
	if c.DDPM.Model.NTimesteps > 0 && eval.NSteps > c.DDPM.Model.NTimesteps {
		return fmt.Errorf("n_steps %d exceeds n_timesteps %d", eval.NSteps, c.DDPM.Model.NTimesteps)
	}
	if eval.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", eval.Workers)
	}
	if c.DDPM.Data.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.DDPM.Data.ImageSize)
	}
	if eval.ChkptPath == "" {
		return fmt.Errorf("ddpm chkpt_path is required")
	}
	if c.VAE.Evaluation.ChkptPath == "" {
		return fmt.Errorf("vae chkpt_path is required")
	}
	if eval.SavePath == "" {
		return fmt.Errorf("save_path is required")
	}
	return nil
}

// ParseIntList parses a comma-separated list of integers, skipping empty
// tokens left by leading, trailing, or doubled commas. A non-empty token
// that is not an integer is an error. An empty string yields an empty list.
func ParseIntList(s string) ([]int, error) {
	out := []int{}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid integer token %q in %q", tok, s)
		}
		out = append(out, n)
	}
	return out, nil
}
