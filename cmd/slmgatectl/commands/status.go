package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [unit-id]",
		Short: "Show last-known device status",
		Long:  "Without arguments, lists the last-known status of every device. With a unit ID, shows that device's full status record.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return showAllStatuses()
			}
			return showOneStatus(args[0])
		},
	}
}

func showAllStatuses() error {
	var resp struct {
		Statuses []statusView `json:"statuses"`
		Count    int          `json:"count"`
	}
	if err := client.get(context.Background(), "/api/status", &resp); err != nil {
		return fmt.Errorf("list statuses: %w", err)
	}

	out, err := formatStatuses(resp.Statuses, outputFormat)
	if err != nil {
		return fmt.Errorf("format statuses: %w", err)
	}

	fmt.Print(out)

	return nil
}

func showOneStatus(unitID string) error {
	var s statusView
	if err := client.get(context.Background(), devicePath(unitID, "status"), &s); err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	out, err := formatStatus(&s, outputFormat)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}

	fmt.Print(out)

	return nil
}

// --- live ---

func liveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "live <unit-id>",
		Short: "Query the device for a live DOD snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var s sampleView
			if err := client.get(context.Background(), devicePath(args[0], "live"), &s); err != nil {
				return fmt.Errorf("live snapshot: %w", err)
			}

			out, err := formatSample(&s, outputFormat)
			if err != nil {
				return fmt.Errorf("format snapshot: %w", err)
			}

			fmt.Println(out)

			return nil
		},
	}
}
