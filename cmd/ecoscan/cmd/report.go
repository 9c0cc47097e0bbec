package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"emperror.dev/errors"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/publisher"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
)

var (
	staleDays int
	reportTop int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Prints reports from the durable store",
}

var reportStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Lists licensed processes not seen for --days days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if staleDays < 0 {
			return errors.New("--days must not be negative")
		}
		threshold := cfg.StaleAfter
		if cmd.Flags().Changed("days") {
			threshold = time.Duration(staleDays) * 24 * time.Hour
		}
		pub, closeStore, err := openPublisher()
		if err != nil {
			return err
		}
		defer closeStore()

		report, err := pub.StaleLicenseReport(cmd.Context(), threshold)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCOST\tLAST SEEN")
		var total float64
		for _, s := range report {
			total += s.LicenseCostUSD
			fmt.Fprintf(w, "%s\t%.2f\t%s\n", s.Name, s.LicenseCostUSD, s.LastSeen.Local().Format(time.DateTime))
		}
		fmt.Fprintf(w, "TOTAL\t%.2f\t\n", total)
		return w.Flush()
	},
}

var reportTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Lists the process names with the highest average memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, closeStore, err := openPublisher()
		if err != nil {
			return err
		}
		defer closeStore()

		n := cfg.TopN
		if cmd.Flags().Changed("n") {
			n = reportTop
		}
		rows, err := pub.TopNByMemory(cmd.Context(), n)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPID\tMEM MB\tCPU %\tTHREADS\tREAD\tWRITTEN\tKG CO2\tLICENSE\tRATING")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.2f\t%d\t%s\t%s\t%.6f\t%.2f\t%d\n",
				r.Name, r.PID, r.AvgMemoryMB, r.AvgCPUPercent, r.NumThreads,
				datasize.ByteSize(r.DiskReadBytes).HumanReadable(),
				datasize.ByteSize(r.DiskWriteBytes).HumanReadable(),
				r.CarbonFootprintKg, r.LicenseCostUSD, r.SustainabilityRating)
		}
		return w.Flush()
	},
}

func init() {
	reportStaleCmd.Flags().IntVar(&staleDays, "days", 60, "days without a sighting")
	reportTopCmd.Flags().IntVarP(&reportTop, "n", "n", 20, "rows to print")
	reportCmd.AddCommand(reportStaleCmd, reportTopCmd)
}

// openPublisher reads from the sqlite store regardless of --store, since the memory
// store does not outlive the monitor.
func openPublisher() (*publisher.Publisher, func(), error) {
	costs, err := footprint.LoadLicenseTable(cfg.LicenseFile)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, nil, errors.Wrapf(err, "no durable store at %s (run the monitor with --store sql)", cfg.DBPath)
	}
	st, err := store.OpenSQL(cfg.DBPath, store.WithHourlyRetention(cfg.HourlyRetention))
	if err != nil {
		return nil, nil, err
	}
	return publisher.New(st, costs), func() { _ = st.Close() }, nil
}
