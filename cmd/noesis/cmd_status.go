package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"noesis/internal/epistemic"
	"noesis/internal/txn"
)

var statusFlags struct {
	transactionID string
	agentID       string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's transaction and its assessment history",
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.transactionID, "transaction", "", "Explicit transaction ID (default: the project's open transaction)")
	f.StringVar(&statusFlags.agentID, "agent", "", "Agent ID for project-scoped resolution")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	tx, history, err := rt.machine.Status(cmd.Context(), txn.ResolveParams{
		ExplicitID: statusFlags.transactionID,
		ProjectID:  rt.ws.ProjectID(),
		AgentID:    statusFlags.agentID,
	})
	if errors.Is(err, epistemic.ErrNotFound) {
		fmt.Fprintf(out, "No open transaction for %s\n", rt.ws.ProjectID())
		fmt.Fprintf(out, "A PREFLIGHT submission opens one.\n")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Transaction: %s\n", tx.ID)
	fmt.Fprintf(out, "Project:     %s\n", tx.ProjectID)
	fmt.Fprintf(out, "Agent:       %s\n", tx.AgentID)
	fmt.Fprintf(out, "Status:      %s\n", tx.Status)
	fmt.Fprintf(out, "Opened:      %s by %s\n", tx.OpenedAt.Format("2006-01-02 15:04:05"), tx.OpenedBySession)
	if !tx.ClosedAt.IsZero() {
		fmt.Fprintf(out, "Closed:      %s by %s (%s)\n",
			tx.ClosedAt.Format("2006-01-02 15:04:05"), tx.ClosedBySession, tx.CloseReason)
	}
	fmt.Fprintf(out, "Sessions:    %d\n", len(tx.Sessions))
	for _, s := range tx.Sessions {
		fmt.Fprintf(out, "  %s\n", s)
	}
	if len(history) > 0 {
		fmt.Fprintf(out, "History: (%d assessments)\n", len(history))
		for _, a := range history {
			line := fmt.Sprintf("  %-10s", a.Phase)
			if a.Phase == epistemic.PhaseCheck {
				line += fmt.Sprintf(" round %d -> %s", a.Round, a.Decision)
			}
			line += fmt.Sprintf("  %s  %s", a.Timestamp.Format("15:04:05"), a.Vector.String())
			fmt.Fprintln(out, line)
		}
	}
	return nil
}
