package cmd

import (
	"os"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/orchestrator"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	trainSaveDir         string
	trainModelName       string
	trainLayers          []int
	trainArchitectures   []sweep.Architecture
	trainUseWandb        bool
	trainDryRun          bool
	trainDevice          string
	trainSaveCheckpoints bool
	trainSkipEval        bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a sweep of dictionaries on one GPU",
	Long: `Expand the sweep for each layer, hand the trainer configs to the training
script and evaluate everything under the save directory afterwards.`,
	Example: `  saesweep train --save_dir ./run2 --model_name EleutherAI/pythia-70m-deduped --layers 3 --architectures standard,jump_relu,batch_top_k,top_k,gated --use_wandb
  saesweep train --save_dir ./run3 --model_name google/gemma-2-2b --layers 12 --architectures standard,top_k --dry_run`,
	Args: cobra.NoArgs,
	Run:  runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainSaveDir, "save_dir", "", "directory to save trained dictionaries in")
	trainCmd.Flags().StringVar(&trainModelName, "model_name", "", "which language model to use")
	trainCmd.Flags().IntSliceVar(&trainLayers, "layers", nil, "layers to train SAEs on (comma separated or repeated)")
	trainCmd.Flags().Var(newArchitecturesValue(&trainArchitectures), "architectures",
		"which SAE architectures to train (comma separated or repeated)")
	trainCmd.Flags().BoolVar(&trainUseWandb, "use_wandb", false, "log training to wandb")
	trainCmd.Flags().BoolVar(&trainDryRun, "dry_run", false, "build and record the sweep without training")
	trainCmd.Flags().StringVar(&trainDevice, "device", "cuda:0", "device to train on")
	trainCmd.Flags().BoolVar(&trainSaveCheckpoints, "save_checkpoints", false, "save log-spaced checkpoints during training")
	trainCmd.Flags().BoolVar(&trainSkipEval, "skip_eval", false, "do not evaluate after training")

	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) {
	if trainSaveDir == "" || trainModelName == "" || len(trainLayers) == 0 || len(trainArchitectures) == 0 {
		color.Red("Error: --save_dir, --model_name, --layers and --architectures are required")
		cmd.Help()
		os.Exit(1)
	}

	orch := newOrchestrator()
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	DebugLog("training %s on layers %v of %s", sweep.JoinArchitectures(trainArchitectures, ", "), trainLayers, trainModelName)

	result, err := orch.RunTraining(ctx, orchestrator.TrainOptions{
		SaveDir:         trainSaveDir,
		ModelName:       trainModelName,
		Layers:          trainLayers,
		Architectures:   trainArchitectures,
		Device:          trainDevice,
		UseWandb:        trainUseWandb,
		DryRun:          trainDryRun,
		SaveCheckpoints: trainSaveCheckpoints,
		SkipEval:        trainSkipEval,
	})
	if err != nil {
		color.Red("Training failed: %v", err)
		os.Exit(1)
	}

	if silent {
		return
	}
	if trainDryRun {
		color.Yellow("\nDry run: %d trainer configs across %d layers, nothing trained", result.TotalConfigs(), len(result.Plans))
		return
	}
	color.Green("\nTraining completed: %d dictionaries across %d layers in %v",
		result.Trained, len(result.Plans), result.Duration.Round(time.Second))
}
