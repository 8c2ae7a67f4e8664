package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/compute-client/internal/database"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the jobs this compute client recently started or failed",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db, err := database.NewSQLiteManager(config, logger)
		exitOnError(err, "Failed to open database", "cli")
		defer db.Close()

		launches, err := db.Launches.GetRecentJobLaunches(historyLimit)
		exitOnError(err, "Failed to read launch history", "cli")

		if len(launches) == 0 {
			fmt.Println("No launches recorded")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tJOB\tSERVICE\tACTION\tSTATUS\tERROR")
		for _, l := range launches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				l.CreatedAt.Format("2006-01-02 15:04:05"), l.JobID, l.ServiceName, l.Action, l.Status, l.Error)
		}
		w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of launches to show")
	rootCmd.AddCommand(historyCmd)
}
