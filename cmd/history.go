package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/truthlens/internal/store"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyFile  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past analysis runs",
	Run: func(cmd *cobra.Command, args []string) {
		if DB == nil {
			utils.Die("Run history needs a database", errors.New("set --db or POSTGRES_HOST"), nil)
		}

		var (
			runs []store.Run
			err  error
		)
		if historyFile != "" {
			sha, herr := utils.HashFile(historyFile)
			if herr != nil {
				utils.Die("Failed to hash video", herr, nil)
			}
			runs, err = DB.RunsForFile(cmd.Context(), sha)
		} else {
			runs, err = DB.ListRuns(cmd.Context(), historyLimit)
		}
		if err != nil {
			utils.Die("Failed to list runs", err, nil)
		}
		printRuns(os.Stdout, runs)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", store.DefaultListLimit, "Maximum number of runs to show")
	historyCmd.Flags().StringVarP(&historyFile, "file", "f", "", "Only show runs of this video (matched by content hash)")
	rootCmd.AddCommand(historyCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tVERDICT\tCONFIDENCE\tWINDOWS\tDURATION\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------\t----------\t-------\t--------\t-------")

	for _, r := range runs {
		verdict := "authentic"
		if r.IsDeepfake {
			verdict = "DEEPFAKE"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d\t%s\t%s\n",
			shortID(r.ID), r.Filename, verdict, r.Confidence, r.WindowsAnalyzed,
			utils.FmtTime(r.VideoDurationSeconds), r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
