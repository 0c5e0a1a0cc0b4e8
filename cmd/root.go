package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/config"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/database"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/elastic"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/evaluation"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/launcher"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/orchestrator"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/session"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/trainer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configFile string
	silent     bool
	verbose    bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "saesweep",
	Short: "sparse autoencoder sweep driver",
	Long:  `builds sparse autoencoder hyperparameter sweeps, trains them across GPUs and evaluates the results`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		Verbose = verbose
		if verbose {
			setDebugLogFunctions()
		}
	},
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		if arg == "-silent" {
			os.Args[i] = "--silent"
			hasSilentFlag = true
		}
		if arg == "--silent" {
			hasSilentFlag = true
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	rootCmd.SetArgs(joinListArgs(os.Args[1:], listFlags...))

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	session.DebugLog = DebugLog
	database.DebugLog = DebugLog
	elastic.DebugLog = DebugLog
	evaluation.DebugLog = DebugLog
	launcher.DebugLog = DebugLog
	trainer.DebugLog = DebugLog
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")

	rootCmd.AddCommand(versionCmd)
}

func newOrchestrator() *orchestrator.Orchestrator {
	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	orch.SetVerbose(verbose)
	if silent {
		orch.SetSilent()
	}
	return orch
}

// signalContext is cancelled on SIGINT or SIGTERM, which kills any running
// training or evaluation script.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printBanner() {
	banner := color.CyanString(`
┌─┐┌─┐┌─┐┌─┐┬ ┬┌─┐┌─┐┌─┐
└─┐├─┤├┤ └─┐│││├┤ ├┤ ├─┘
└─┘┴ ┴└─┘└─┘└┴┘└─┘└─┘┴
`)
	info := color.HiBlackString("sparse autoencoder sweeps: configs, multi-GPU launch, evaluation")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}
