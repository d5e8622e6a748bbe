package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var orphansFlags struct {
	maxAgeHours int
	forceClose  string
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List open transactions past the orphan cutoff",
	Long: `Lists open transactions older than the cutoff. Detection is read-only;
pass --force-close with a transaction ID to close one without a POSTFLIGHT.
The force-close is recorded in the audit log.`,
	RunE: runOrphans,
}

func init() {
	f := orphansCmd.Flags()
	f.IntVar(&orphansFlags.maxAgeHours, "max-age", 0, "Orphan cutoff in hours (default: workspace config, 48h)")
	f.StringVar(&orphansFlags.forceClose, "force-close", "", "Force-close the given transaction ID as orphaned")
}

func runOrphans(cmd *cobra.Command, _ []string) error {
	// Force-close must reach the audit log; listing must not take its lock.
	rt, err := openRuntime(orphansFlags.forceClose != "")
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	if id := orphansFlags.forceClose; id != "" {
		tx, err := rt.manager.ForceClose(cmd.Context(), id, "orphaned")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Force-closed %s (opened %s, %d sessions)\n",
			tx.ID, tx.OpenedAt.Format("2006-01-02 15:04"), len(tx.Sessions))
		return nil
	}

	maxAge := rt.ws.Config.OrphanMaxAge()
	if orphansFlags.maxAgeHours > 0 {
		maxAge = time.Duration(orphansFlags.maxAgeHours) * time.Hour
	}
	orphans, err := rt.manager.DetectOrphans(cmd.Context(), maxAge)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintf(out, "No open transactions older than %s\n", maxAge)
		return nil
	}
	fmt.Fprintf(out, "%d orphan(s) older than %s:\n", len(orphans), maxAge)
	for _, tx := range orphans {
		fmt.Fprintf(out, "  %s  project=%s agent=%s opened=%s sessions=%d\n",
			tx.ID, tx.ProjectID, tx.AgentID,
			tx.OpenedAt.Format("2006-01-02 15:04"), len(tx.Sessions))
	}
	fmt.Fprintf(out, "Close one explicitly with: noesis orphans --force-close <id>\n")
	return nil
}
