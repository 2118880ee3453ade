package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samogod/squirrelrun/pkg/database"
	"github.com/samogod/squirrelrun/pkg/orchestrator"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	historyStatus string
	historyName   string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the run history database",
	Long:  `Query recorded launches, newest first, optionally filtered by run name or status`,
	Args:  cobra.NoArgs,
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (running, succeeded, failed)")
	historyCmd.Flags().StringVar(&historyName, "name", "", "filter by run name")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of launches to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	if historyStatus != "" {
		historyStatus = strings.ToUpper(historyStatus)
		switch historyStatus {
		case database.StatusRunning, database.StatusSucceeded, database.StatusFailed:
		default:
			color.Red("Error: unknown status %q", historyStatus)
			os.Exit(1)
		}
	}

	orch, err := orchestrator.NewOrchestrator(configFile, true)
	if err != nil {
		color.Red("Failed to initialize launcher: %v", err)
		os.Exit(1)
	}
	defer orch.Close()

	db := orch.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Run history is not enabled. Please enable the database section in squirrelrun.yaml")
		os.Exit(1)
	}

	records, err := db.QueryLaunches(historyName, historyStatus, historyLimit)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] No launches recorded.")
		return
	}

	printHistory(os.Stdout, records)
	color.Green("\nTotal launches: %d", len(records))
}

func printHistory(out io.Writer, records []database.LaunchRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("ID\tNAME\tPROFILE\tMODE\tGPUS\tRESUME\tSTATUS\tEXIT\tSTARTED\tDURATION"))
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, r := range records {
		statusColor := color.GreenString
		if r.Status == database.StatusFailed {
			statusColor = color.RedString
		} else if r.Status == database.StatusRunning {
			statusColor = color.YellowString
		}

		exit, duration := "-", "-"
		if r.ExitCode.Valid {
			exit = fmt.Sprintf("%d", r.ExitCode.Int64)
		}
		if r.FinishedAt.Valid {
			duration = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Second).String()
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Name,
			r.Profile,
			r.Mode,
			r.GPUs,
			r.Resume,
			statusColor(r.Status),
			exit,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			duration,
		)
	}
	w.Flush()
}
