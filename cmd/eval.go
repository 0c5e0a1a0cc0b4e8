package cmd

import (
	"fmt"
	"os"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/orchestrator"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	evalSaveDir   string
	evalModelName string
	evalOverwrite bool
	evalDevice    string
	evalNInputs   int
	evalIndex     bool
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate trained dictionaries",
	Long: `Evaluate every directory under --save_dir holding an ae.pt and write
eval_results.json next to it. Directories with results are skipped unless
--overwrite is given.`,
	Args: cobra.NoArgs,
	Run:  runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalSaveDir, "save_dir", "", "directory holding trained dictionaries")
	evalCmd.Flags().StringVar(&evalModelName, "model_name", "", "language model the dictionaries were trained on")
	evalCmd.Flags().BoolVar(&evalOverwrite, "overwrite", false, "re-evaluate directories that already have results")
	evalCmd.Flags().StringVar(&evalDevice, "device", "cuda:0", "device to evaluate on")
	evalCmd.Flags().IntVar(&evalNInputs, "n_inputs", 1000, "number of inputs to evaluate on")
	evalCmd.Flags().BoolVar(&evalIndex, "index", false, "index results into Elasticsearch")

	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) {
	if evalSaveDir == "" || evalModelName == "" {
		color.Red("Error: --save_dir and --model_name are required")
		cmd.Help()
		os.Exit(1)
	}
	if err := checkNInputs(evalNInputs); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	orch := newOrchestrator()
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	summary, err := orch.RunEvaluation(ctx, orchestrator.EvalOptions{
		SaveDir:   evalSaveDir,
		ModelName: evalModelName,
		Device:    evalDevice,
		NInputs:   evalNInputs,
		Overwrite: evalOverwrite,
		Index:     evalIndex,
	})
	if err != nil {
		color.Red("Evaluation failed: %v", err)
		os.Exit(1)
	}

	if !silent {
		color.Green("\nEvaluation completed: %s", orchestrator.EvalSummaryLine(summary))
	}
}

func checkNInputs(n int) error {
	if n <= 0 {
		return fmt.Errorf("--n_inputs must be greater than 0, got %d", n)
	}
	return nil
}
