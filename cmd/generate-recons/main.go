// Command generate-recons runs diffusion reconstruction sampling: it
// restores a trained VAE and DDPM from their checkpoints, walks a
// directory of reference images, and writes the reconstructed samples
// as PNG files.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/tsawler/go-diffusion/callbacks"
	"github.com/tsawler/go-diffusion/checkpoints"
	"github.com/tsawler/go-diffusion/config"
	"github.com/tsawler/go-diffusion/dataset"
	"github.com/tsawler/go-diffusion/inference"
	"github.com/tsawler/go-diffusion/models"
	"github.com/tsawler/go-diffusion/vision/preprocessing"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := rootCommand().Execute(); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		device     string
		nSamples   int
		batchSize  int
		savePath   string
		seed       uint64
	)

	cmd := &cobra.Command{
		Use:          "generate-recons",
		Short:        "Generate diffusion reconstructions of a reference image set",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flag overrides win over file values.
			if cmd.Flags().Changed("device") {
				cfg.DDPM.Evaluation.Device = device
			}
			if cmd.Flags().Changed("n-samples") {
				cfg.DDPM.Evaluation.NSamples = nSamples
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.DDPM.Evaluation.BatchSize = batchSize
			}
			if cmd.Flags().Changed("save-path") {
				cfg.DDPM.Evaluation.SavePath = savePath
			}
			if cmd.Flags().Changed("seed") {
				cfg.DDPM.Evaluation.Seed = seed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the evaluation config file")
	cmd.Flags().StringVar(&device, "device", "", "device selector override (cpu, gpu, gpu:<ids>, tpu)")
	cmd.Flags().IntVar(&nSamples, "n-samples", 0, "override for the number of samples to generate")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override for the sampling batch size")
	cmd.Flags().StringVar(&savePath, "save-path", "", "override for the output directory")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "override for the sampling seed")
	cmd.MarkFlagRequired("config")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	eval := cfg.DDPM.Evaluation
	data := cfg.DDPM.Data

	wrapper, err := buildWrapper(cfg)
	if err != nil {
		return err
	}

	slog.Info("restoring checkpoint", "path", eval.ChkptPath)
	ckpt, err := checkpoints.Load(eval.ChkptPath)
	if err != nil {
		return fmt.Errorf("loading diffusion checkpoint: %w", err)
	}
	// Training checkpoints from the non-conditional setup omit the VAE
	// weights; those were restored from their own checkpoint above.
	if err := checkpoints.Restore(wrapper, ckpt, checkpoints.Relaxed("vae.")); err != nil {
		return fmt.Errorf("restoring diffusion checkpoint: %w", err)
	}

	images, err := dataset.NewReconstructionDataset(data.Root, data.ImageSize, eval.NSamples, data.Norm)
	if err != nil {
		return fmt.Errorf("opening image dataset: %w", err)
	}
	noise, err := dataset.NewNoiseDataset(eval.NSamples, data.NChannels, data.ImageSize, eval.Seed)
	if err != nil {
		return fmt.Errorf("building noise dataset: %w", err)
	}
	pairs := dataset.NewZipDataset(images, noise)

	execOpts, err := inference.ParseDevice(eval.Device)
	if err != nil {
		return err
	}
	loader, err := inference.NewDataLoader(pairs, eval.BatchSize, eval.Workers, execOpts.PersistentWorkers)
	if err != nil {
		return err
	}

	norm := preprocessing.NormUnit
	if data.Norm {
		norm = preprocessing.NormSigned
	}
	writer, err := callbacks.NewImageWriter(callbacks.ImageWriterConfig{
		SavePath:     eval.SavePath,
		SaveMode:     eval.SaveMode,
		Steps:        eval.NSteps,
		SamplePrefix: eval.SamplePrefix,
		SaveVAE:      eval.SaveVAE,
		Norm:         norm,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(eval.Seed))
	predictor, err := inference.NewPredictor(wrapper, loader, rng, writer)
	if err != nil {
		return err
	}

	slog.Info("sampling",
		"samples", pairs.Len(),
		"batch_size", eval.BatchSize,
		"steps", eval.NSteps,
		"device", eval.Device,
		"save_path", eval.SavePath)
	if err := predictor.Run(ctx); err != nil {
		return err
	}
	slog.Info("done", "save_path", eval.SavePath)
	return nil
}

// buildWrapper constructs the VAE and the two diffusion processes and
// restores the VAE from its own checkpoint.
func buildWrapper(cfg *config.Config) (*models.DDPMWrapper, error) {
	vae, err := models.NewVAE(
		cfg.DDPM.Data.ImageSize,
		cfg.VAE.Model.EncBlockConfig,
		cfg.VAE.Model.DecBlockConfig,
		cfg.VAE.Model.EncChannelConfig,
		cfg.VAE.Model.DecChannelConfig,
	)
	if err != nil {
		return nil, fmt.Errorf("building vae: %w", err)
	}

	vaeCkpt, err := checkpoints.Load(cfg.VAE.Evaluation.ChkptPath)
	if err != nil {
		return nil, fmt.Errorf("loading vae checkpoint: %w", err)
	}
	if err := checkpoints.Restore(vae, vaeCkpt, checkpoints.Strict()); err != nil {
		return nil, fmt.Errorf("restoring vae checkpoint: %w", err)
	}

	model := cfg.DDPM.Model
	attnRes, err := config.ParseIntList(model.AttnResolutions)
	if err != nil {
		return nil, fmt.Errorf("attn_resolutions: %w", err)
	}
	dimMults, err := config.ParseIntList(model.DimMults)
	if err != nil {
		return nil, fmt.Errorf("dim_mults: %w", err)
	}

	decoder, err := models.NewSuperResModel(models.SuperResConfig{
		InChannels:      cfg.DDPM.Data.NChannels,
		ModelChannels:   model.Dim,
		OutChannels:     cfg.DDPM.Data.NChannels,
		NumResBlocks:    model.NResidual,
		AttnResolutions: attnRes,
		ChannelMult:     dimMults,
		Dropout:         model.Dropout,
		NumHeads:        model.NHeads,
		InputRes:        cfg.DDPM.Data.ImageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("building decoder: %w", err)
	}
	emaDecoder, err := decoder.DeepCopy()
	if err != nil {
		return nil, fmt.Errorf("building ema decoder: %w", err)
	}

	online, err := models.NewDDPM(decoder, model.Beta1, model.Beta2, model.NTimesteps)
	if err != nil {
		return nil, err
	}
	target, err := models.NewDDPM(emaDecoder, model.Beta1, model.Beta2, model.NTimesteps)
	if err != nil {
		return nil, err
	}

	eval := cfg.DDPM.Evaluation
	return models.NewDDPMWrapper(vae, online, target, true,
		models.WithPredSteps(eval.NSteps),
		models.WithEvalMode(models.EvalModeRecons),
		models.WithSaveVAE(eval.SaveVAE),
	)
}
