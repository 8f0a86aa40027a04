package cli

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pcesar22/domes-sub001/internal/sim"
)

// NewSimCommand creates the in-process mesh simulation command.
func NewSimCommand(root *RootOptions) *cobra.Command {
	opts := sim.Options{}

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Simulate a whole mesh in one process",
		Long: "sim runs every pod in-process over a simulated lossy link and\n" +
			"reports what the mesh settled on. Useful for protocol tuning\n" +
			"without hardware.",
		RunE: func(cmd *cobra.Command, args []string) error {
			spinner, _ := pterm.DefaultSpinner.Start(
				fmt.Sprintf("Running %d pods for %s (loss %.0f%%)",
					opts.Pods, opts.Duration, opts.Loss*100))

			rep, err := sim.Run(opts)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			if rep.Converged {
				spinner.Success(fmt.Sprintf("Converged on master %s in %s", rep.Master, rep.Elapsed.Round(time.Millisecond)))
			} else {
				spinner.Warning("Mesh did not converge")
			}
			renderReport(rep)
			if !rep.Converged {
				return fmt.Errorf("mesh did not converge within %s", opts.Duration)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Pods, "pods", 6, "number of pods")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 5*time.Second, "run length")
	cmd.Flags().Float64Var(&opts.Loss, "loss", 0.05, "per-frame drop probability")
	cmd.Flags().DurationVar(&opts.MinDelay, "min-delay", 200*time.Microsecond, "link delay floor")
	cmd.Flags().DurationVar(&opts.MaxDelay, "max-delay", 2*time.Millisecond, "link delay ceiling")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "rng seed (0 = time-based)")
	return cmd
}

func renderReport(rep *sim.Report) {
	rows := pterm.TableData{
		{"Addr", "Pod", "Role", "Master", "Offset", "RTT", "Confidence", "Peers"},
	}
	for _, p := range rep.Pods {
		master := "-"
		if p.HasMaster {
			master = p.Master.String()
		}
		rows = append(rows, []string{
			p.Addr.String(),
			fmt.Sprintf("%d", p.PodID),
			p.Role.String(),
			master,
			fmt.Sprintf("%dus", p.OffsetUs),
			fmt.Sprintf("%dus", p.RTTUs),
			p.Confidence.String(),
			fmt.Sprintf("%d", p.Peers),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
