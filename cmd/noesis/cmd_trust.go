package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var trustFlags struct {
	agentID string
	domain  string
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Show derived trust and the thresholds it buys",
	RunE:  runTrust,
}

func init() {
	f := trustCmd.Flags()
	f.StringVar(&trustFlags.agentID, "agent", "", "Agent ID (required)")
	f.StringVar(&trustFlags.domain, "domain", "", "Trust domain (default: the workspace project)")

	_ = trustCmd.MarkFlagRequired("agent")
}

func runTrust(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	domain := trustFlags.domain
	if domain == "" {
		domain = rt.ws.ProjectID()
	}
	ctx := cmd.Context()
	t, err := rt.gate.DomainTrust(ctx, trustFlags.agentID, domain)
	if err != nil {
		return err
	}
	th, err := rt.gate.Thresholds(ctx, trustFlags.agentID, domain)
	if err != nil {
		return err
	}
	traj, err := rt.engine.Trajectory(ctx, trustFlags.agentID, domain)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent:   %s\n", t.AgentID)
	fmt.Fprintf(out, "Domain:  %s\n", t.Domain)
	fmt.Fprintf(out, "Score:   %.3f\n", t.Score)
	fmt.Fprintf(out, "Mode:    %s\n", t.Mode)
	fmt.Fprintf(out, "Factors:\n")
	fmt.Fprintf(out, "  accuracy:           %.3f\n", t.Accuracy)
	fmt.Fprintf(out, "  suggestion success: %.3f (%d samples)\n", t.SuggestionSuccess, t.Suggestions)
	fmt.Fprintf(out, "  mistake penalty:    %.3f (%d recent)\n", t.MistakePenalty, t.RecentMistakes)
	fmt.Fprintf(out, "Calibration trajectory: %s\n", traj)
	fmt.Fprintf(out, "Adapted thresholds:\n")
	fmt.Fprintf(out, "  knowledge:   %.3f\n", th.Knowledge)
	fmt.Fprintf(out, "  uncertainty: %.3f\n", th.UncertaintyCeiling)
	return nil
}
