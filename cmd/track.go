package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/database"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	trackModelName    string
	trackArchitecture string
	trackEvals        bool
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Query the sweep tracking database",
	Long:  `List tracked trainer configs, or evaluation results with --evals, optionally filtered by model and architecture`,
	Args:  cobra.NoArgs,
	Run:   runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackModelName, "model_name", "", "filter by language model")
	trackCmd.Flags().StringVar(&trackArchitecture, "architecture", "", "filter by architecture")
	trackCmd.Flags().BoolVar(&trackEvals, "evals", false, "list evaluation results instead of trainer configs")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) {
	if trackArchitecture != "" {
		arch, err := sweep.ParseArchitecture(trackArchitecture)
		if err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		trackArchitecture = arch.String()
	}

	orch := newOrchestrator()
	defer orch.Close()

	db := orch.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Database is not enabled. Please enable it in config.yaml")
		os.Exit(1)
	}

	if trackEvals {
		printEvals(db, trackModelName)
		return
	}

	records, err := db.QueryRuns(trackModelName, trackArchitecture)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] No tracked runs found.")
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("SWEEP\tMODEL\tSUBMODULE\tARCHITECTURE\tDICT_SIZE\tWANDB_NAME\tCREATED"))
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.SweepID.String()[:8],
			r.ModelName,
			r.SubmoduleName,
			color.GreenString(r.Architecture),
			r.DictSize,
			r.WandbName,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	color.Green("\nTotal records: %d", len(records))
}

func printEvals(db *database.DB, modelName string) {
	records, err := db.QueryEvals(modelName)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] No evaluation results found.")
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("AE_PATH\tMODEL\tN_INPUTS\tMETRICS\tEVALUATED"))
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			r.AEPath,
			r.ModelName,
			r.NInputs,
			len(r.Metrics),
			r.EvaluatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	color.Green("\nTotal records: %d", len(records))
}
