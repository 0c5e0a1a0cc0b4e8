package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/orchestrator"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configsModelName     string
	configsLayers        []int
	configsArchitectures []sweep.Architecture
	configsDevice        string
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Print the generated trainer configs as JSON",
	Args:  cobra.NoArgs,
	Run:   runConfigs,
}

type layerConfigs struct {
	Layer         int                      `json:"layer"`
	SubmoduleName string                   `json:"submodule_name"`
	Steps         int                      `json:"steps"`
	BufferSize    int                      `json:"buffer_size"`
	Configs       []map[string]interface{} `json:"trainer_configs"`
}

func init() {
	configsCmd.Flags().StringVar(&configsModelName, "model_name", "", "which language model to use")
	configsCmd.Flags().IntSliceVar(&configsLayers, "layers", nil, "layers to build configs for")
	configsCmd.Flags().Var(newArchitecturesValue(&configsArchitectures), "architectures", "which SAE architectures to include")
	configsCmd.Flags().StringVar(&configsDevice, "device", "cuda:0", "device written into the configs")

	rootCmd.AddCommand(configsCmd)
}

func runConfigs(cmd *cobra.Command, args []string) {
	if configsModelName == "" || len(configsLayers) == 0 {
		color.Red("Error: --model_name and --layers are required")
		cmd.Help()
		os.Exit(1)
	}
	if len(configsArchitectures) == 0 {
		configsArchitectures = sweep.Architectures()
	}

	orch := newOrchestrator()
	defer orch.Close()

	opts := orchestrator.TrainOptions{
		ModelName:     configsModelName,
		Layers:        configsLayers,
		Architectures: configsArchitectures,
		Device:        configsDevice,
	}

	var out []layerConfigs
	for _, layer := range configsLayers {
		plan, err := orch.PlanLayer(opts, layer)
		if err != nil {
			color.Red("Failed to build configs: %v", err)
			os.Exit(1)
		}
		out = append(out, layerConfigs{
			Layer:         layer,
			SubmoduleName: plan.Request.SubmoduleName,
			Steps:         plan.Request.Steps,
			BufferSize:    plan.Request.BufferSize,
			Configs:       plan.Request.TrainerConfigs,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		color.Red("Failed to marshal configs: %v", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
