package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetUploads bool
	resetDir     string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Run history, Staged uploads)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetUploads {
			resetDB = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				utils.ShowError("Skipping run history", errors.New("no database configured"), nil)
			} else if confirm(os.Stdout, reader, "⚠️  Are you sure you want to DROP the run history table?") {
				fmt.Println("🗑️  Clearing Run History...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetUploads {
			if confirm(os.Stdout, reader, fmt.Sprintf("⚠️  Are you sure you want to delete leftover uploads in %s?", resetDir)) {
				fmt.Println("🗑️  Clearing Staged Uploads...")
				n := removeRunDirs(resetDir)
				fmt.Printf("   removed %d run directories\n", n)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Clear the run history table")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear staged uploads left behind by crashed runs")
	resetCmd.Flags().StringVar(&resetDir, "upload-dir", envOr("TRUTHLENS_UPLOAD_DIR", os.TempDir()), "Directory holding staged uploads")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeRunDirs deletes the per-run directories staged uploads live in, leaving anything else
// in dir untouched.
func removeRunDirs(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "run-*"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to list %s: %v\n", dir, err)
		return 0
	}
	removed := 0
	for _, m := range matches {
		if removeDir(m) {
			removed++
		}
	}
	return removed
}

func removeDir(path string) bool {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
		return false
	}
	return true
}
