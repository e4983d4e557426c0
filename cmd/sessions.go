package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/posewire/internal/store"
	"github.com/spf13/cobra"
)

var (
	sessionsLimit int
	sessionsShow  string
)

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List recorded sessions, or the detections of one session",
	Annotations: map[string]string{needsDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsShow != "" {
			return runShowSession(cmd, sessionsShow)
		}
		return runListSessions(cmd)
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to list")
	sessionsCmd.Flags().StringVar(&sessionsShow, "show", "", "Print the detections of this session id")
	rootCmd.AddCommand(sessionsCmd)
}

func runListSessions(cmd *cobra.Command) error {
	sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
	if err != nil {
		return fail("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tMODE\tFRAMES IN/OUT\tOBJECTS\tSTARTED\tDURATION\tSTATUS")
	fmt.Fprintln(w, "--\t------\t----\t-------------\t-------\t-------\t--------\t------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			s.ID, s.Remote, s.Mode, s.FramesIn, s.FramesOut, s.Objects,
			s.StartedAt.Local().Format("2006-01-02 15:04"), duration(s), status(s))
	}
	return w.Flush()
}

func runShowSession(cmd *cobra.Command, id string) error {
	rows, err := DB.DetectionsFor(cmd.Context(), id)
	if err != nil {
		return fail("Failed to load detections", err, nil)
	}
	if len(rows) == 0 {
		fmt.Printf("No detections recorded for session %s.\n", id)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tIMAGE\t#\tCLASS\tTRANSLATION\tROTATION\tBOX")
	fmt.Fprintln(w, "-----\t-----\t-\t-----\t-----------\t--------\t---")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s %s\n",
			r.FrameIndex, r.ImageID, r.Position, r.Class,
			floats(r.Translation), r.RotKind, r.BoxFormat, floats(r.Box))
	}
	return w.Flush()
}

func duration(s store.SessionInfo) string {
	if s.EndedAt == nil {
		return "-"
	}
	return s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
}

func status(s store.SessionInfo) string {
	switch {
	case s.EndedAt == nil:
		return "active"
	case s.Error != nil:
		return "failed: " + *s.Error
	default:
		return "ok"
	}
}

func floats(v []float64) string {
	out := "["
	for i, f := range v {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%.3f", f)
	}
	return out + "]"
}
