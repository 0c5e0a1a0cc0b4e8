package cmd

import (
	"os"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/orchestrator"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	launchModelName string
	launchSaveDir   string
	launchLogDir    string
	launchWait      bool
	launchDryRun    bool
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Start one training process per GPU",
	Long: `Start the launch plan from the config file, or the default four GPU split,
as independent processes with one log file each.`,
	Example: `  saesweep launch --model_name google/gemma-2-2b
  saesweep launch --model_name EleutherAI/pythia-70m-deduped --wait --log_dir run_logs`,
	Args: cobra.NoArgs,
	Run:  runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchModelName, "model_name", "", "which language model to train on")
	launchCmd.Flags().StringVar(&launchSaveDir, "save_dir", orchestrator.DefaultLaunchSaveDir, "directory the jobs save dictionaries in")
	launchCmd.Flags().StringVar(&launchLogDir, "log_dir", "", "directory for job logs (default: launch.log_dir from config)")
	launchCmd.Flags().BoolVar(&launchWait, "wait", false, "wait for every job and report exit codes")
	launchCmd.Flags().BoolVar(&launchDryRun, "dry_run", false, "print the commands without starting them")

	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) {
	orch := newOrchestrator()
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	results, err := orch.Launch(ctx, orchestrator.LaunchOptions{
		ModelName:  launchModelName,
		SaveDir:    launchSaveDir,
		LogDir:     launchLogDir,
		ConfigPath: configFile,
		Wait:       launchWait,
		DryRun:     launchDryRun,
	})
	if err != nil {
		color.Red("Launch failed: %v", err)
		os.Exit(1)
	}

	if silent || !launchWait {
		return
	}

	for _, r := range results {
		if r.ExitCode == 0 {
			color.Green("%-30s exit 0   %v", r.Job.Name, r.Duration.Round(time.Second))
		} else {
			color.Red("%-30s exit %-3d %v  (%s)", r.Job.Name, r.ExitCode, r.Duration.Round(time.Second), r.Job.LogFile)
		}
	}
}
