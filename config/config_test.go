package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseIntList(t *testing.T) {
	tests := []struct {
		input string
		want  []int
	}{
		{"1,2,4", []int{1, 2, 4}},
		{"1,,3,", []int{1, 3}},
		{",,", []int{}},
		{"", []int{}},
		{"16,", []int{16}},
		{" 8 , 16 ", []int{8, 16}},
	}

	for _, tt := range tests {
		got, err := ParseIntList(tt.input)
		if err != nil {
			t.Errorf("ParseIntList(%q) returned error: %v", tt.input, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("ParseIntList(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseIntList(%q)[%d] = %d, want %d", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestParseIntListRejectsGarbage(t *testing.T) {
	for _, input := range []string{"1,two,3", "x", "1.5"} {
		if _, err := ParseIntList(input); err == nil {
			t.Errorf("ParseIntList(%q) should have failed", input)
		}
	}
}

const validYAML = `
ddpm:
  data:
    root: /tmp/images
    image_size: 32
    n_channels: 3
    norm: true
  model:
    dim: 32
    n_residual: 1
    attn_resolutions: "16,"
    dim_mults: "1,2"
    dropout: 0.1
    n_heads: 2
    beta1: 0.0001
    beta2: 0.02
    n_timesteps: 100
  evaluation:
    seed: 0
    chkpt_path: /tmp/ddpm.json
    batch_size: 4
    n_steps: 10
    n_samples: 8
    device: cpu
    save_path: /tmp/out
    sample_prefix: sample
    save_mode: image
    save_vae: false
    workers: 1
vae:
  model:
    enc_block_config: "32x1,16x1"
    enc_channel_config: "16,32"
    dec_block_config: "16x1,32x1"
    dec_channel_config: "32,16"
  evaluation:
    chkpt_path: /tmp/vae.json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DDPM.Evaluation.BatchSize != 4 {
		t.Errorf("batch_size = %d, want 4", cfg.DDPM.Evaluation.BatchSize)
	}
	if cfg.DDPM.Model.NTimesteps != 100 {
		t.Errorf("n_timesteps = %d, want 100", cfg.DDPM.Model.NTimesteps)
	}
	if cfg.VAE.Model.EncBlockConfig != "32x1,16x1" {
		t.Errorf("unexpected enc_block_config %q", cfg.VAE.Model.EncBlockConfig)
	}
	if !cfg.DDPM.Data.Norm {
		t.Error("norm flag not parsed")
	}
}

func TestValidateCatchesBadFields(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.DDPM.Evaluation.BatchSize = 0 }},
		{"zero samples", func(c *Config) { c.DDPM.Evaluation.NSamples = 0 }},
		{"steps exceed timesteps", func(c *Config) { c.DDPM.Evaluation.NSteps = 1000 }},
		{"negative workers", func(c *Config) { c.DDPM.Evaluation.Workers = -1 }},
		{"missing ddpm checkpoint", func(c *Config) { c.DDPM.Evaluation.ChkptPath = "" }},
		{"missing vae checkpoint", func(c *Config) { c.VAE.Evaluation.ChkptPath = "" }},
		{"missing save path", func(c *Config) { c.DDPM.Evaluation.SavePath = "" }},
	}

	for _, m := range mutations {
		cfg, err := Load(writeConfig(t, validYAML))
		if err != nil {
			t.Fatalf("setup load failed: %v", err)
		}
		m.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", m.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
