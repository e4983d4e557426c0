package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
	resetDirs  []string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Results, Collected Frames)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		if resetDB {
			switch {
			case DB == nil:
				fmt.Println("ℹ️  No database configured, skipping.")
			case resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all database tables?"):
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fail("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			dirs := outputDirs()
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", strings.Join(dirs, ", "))) {
				fmt.Println("🗑️  Clearing Output Files...")
				for _, d := range dirs {
					removeDir(d)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Clear PostgreSQL tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files (results, received and collected frames)")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringSliceVar(&resetDirs, "dir", nil, "Directories to clear (default: output, received, tmp and $POSEWIRE_OUTPUT_DIR)")
	rootCmd.AddCommand(resetCmd)
}

// outputDirs lists the directories the other commands write to.
func outputDirs() []string {
	if len(resetDirs) > 0 {
		return resetDirs
	}
	dirs := []string{"output", "received", "tmp"}
	if cfg != nil && cfg.OutputDir != "" && !slices.Contains(dirs, cfg.OutputDir) {
		dirs = append(dirs, cfg.OutputDir)
	}
	return dirs
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
