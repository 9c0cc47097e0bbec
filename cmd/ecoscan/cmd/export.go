package cmd

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/ecoscan/internal/sink"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Writes the durable store's current snapshot as a JSON document",
	Long: `Reads aggregates and hourly rollups from the sqlite database at --db and writes them
keyed by process name and by hour. Paths ending in .gz are gzip-compressed; "-" writes
to stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, closeStore, err := openPublisher()
		if err != nil {
			return err
		}
		defer closeStore()

		snap, err := pub.Snapshot(cmd.Context(), cfg.StaleAfter)
		if err != nil {
			return err
		}
		if exportOut == "-" {
			return sink.EncodeDocument(os.Stdout, snap, false)
		}
		if err := sink.NewJSON(exportOut).Write(cmd.Context(), snap); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"out":        exportOut,
			"processes":  len(snap.Rows),
			"hours":      len(snap.Hourly),
			"compressed": strings.HasSuffix(exportOut, ".gz"),
		}).Info("export written")
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "ecoscan_export.json", "output file")
}
