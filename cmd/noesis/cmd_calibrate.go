package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"noesis/internal/epistemic"
	"noesis/internal/evidence"
)

var calibrateFlags struct {
	transactionID string
	evidencePath  string
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run grounded verification for a transaction from an evidence file",
	Long: `Reads an evidence payload (test_pass_ratio, artifact_ratio,
goal_completion_ratio, diff_stats) and records the grounded divergence
against the transaction's POSTFLIGHT self-report. Works after close: this is
the post-test path for evidence that arrives late.`,
	RunE: runCalibrate,
}

func init() {
	f := calibrateCmd.Flags()
	f.StringVar(&calibrateFlags.transactionID, "transaction", "", "Transaction ID (required)")
	f.StringVarP(&calibrateFlags.evidencePath, "evidence", "f", "", "Evidence JSON file (required)")

	_ = calibrateCmd.MarkFlagRequired("transaction")
	_ = calibrateCmd.MarkFlagRequired("evidence")
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	ev, err := evidence.Load(calibrateFlags.evidencePath)
	if err != nil {
		return err
	}

	rt, err := openRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.machine.SubmitEvidence(cmd.Context(), calibrateFlags.transactionID, ev)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Grounded record for %s (%d dimensions):\n",
		rec.TransactionID, len(rec.Divergence))
	dims := make([]string, 0, len(rec.Divergence))
	for d := range rec.Divergence {
		dims = append(dims, string(d))
	}
	sort.Strings(dims)
	for _, d := range dims {
		div := rec.Divergence[epistemic.Dimension(d)]
		verdict := "calibrated"
		switch {
		case div > 0.05:
			verdict = "overconfident"
		case div < -0.05:
			verdict = "underconfident"
		}
		fmt.Fprintf(out, "  %-12s %+.3f  (%s)\n", d, div, verdict)
	}
	return nil
}
