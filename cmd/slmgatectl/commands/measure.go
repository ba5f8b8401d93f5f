package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// --- start ---

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <unit-id>",
		Short: "Run a start cycle: clock sync, index rotation, measurement start",
		Long:  "Syncs the device clock, rotates the store index to a free slot by probing for overwrite conflicts, and starts the measurement. Several device commands run back to back under the command governor, so this takes a few seconds.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var rep startReportView
			if err := client.post(context.Background(), devicePath(args[0], "start"), nil, &rep); err != nil {
				return fmt.Errorf("start cycle: %w", err)
			}

			if outputFormat == formatJSON {
				out, err := marshalJSON(rep)
				if err != nil {
					return fmt.Errorf("format report: %w", err)
				}
				fmt.Println(out)

				return nil
			}

			fmt.Printf("Measurement started on %s: index %04d -> %04d (%d probe(s), clock synced: %t)\n",
				rep.UnitID, rep.OldIndex, rep.NewIndex, rep.Attempts, rep.ClockSynced)

			return nil
		},
	}
}

// --- stop ---

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <unit-id>",
		Short: "Run a stop cycle: measurement stop, FTP restart, recording verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var rep stopReportView
			if err := client.post(context.Background(), devicePath(args[0], "stop"), nil, &rep); err != nil {
				return fmt.Errorf("stop cycle: %w", err)
			}

			if outputFormat == formatJSON {
				out, err := marshalJSON(rep)
				if err != nil {
					return fmt.Errorf("format report: %w", err)
				}
				fmt.Println(out)

				return nil
			}

			fmt.Printf("Measurement stopped on %s (index %04d, folder %s)\n",
				rep.UnitID, rep.Index, orNA(rep.Folder))
			if rep.DownloadError != "" {
				fmt.Printf("Recording verification failed: %s\n", rep.DownloadError)
			}

			return nil
		},
	}
}
