package commands

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device registry",
	}

	cmd.AddCommand(deviceListCmd())
	cmd.AddCommand(deviceShowCmd())
	cmd.AddCommand(deviceSetCmd())
	cmd.AddCommand(deviceDeleteCmd())

	return cmd
}

// devicePath builds the per-unit API path with the unit ID escaped.
func devicePath(unitID, suffix string) string {
	p := "/api/devices/" + url.PathEscape(unitID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// --- device list ---

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered devices",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp struct {
				Devices []deviceView `json:"devices"`
				Count   int          `json:"count"`
			}
			if err := client.get(context.Background(), "/api/devices", &resp); err != nil {
				return fmt.Errorf("list devices: %w", err)
			}

			out, err := formatDevices(resp.Devices, outputFormat)
			if err != nil {
				return fmt.Errorf("format devices: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- device show ---

func deviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show one device's registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var d deviceView
			if err := client.get(context.Background(), devicePath(args[0], ""), &d); err != nil {
				return fmt.Errorf("get device: %w", err)
			}

			out, err := formatDevice(&d, outputFormat)
			if err != nil {
				return fmt.Errorf("format device: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- device set ---

func deviceSetCmd() *cobra.Command {
	var (
		host         string
		tcpPort      int
		ftpPort      int
		ftpUsername  string
		ftpPassword  string
		pollInterval int
		tcpEnabled   bool
		ftpEnabled   bool
		pollEnabled  bool
	)

	cmd := &cobra.Command{
		Use:   "set <unit-id>",
		Short: "Register a device or update its registry entry",
		Long:  "Creates the registry entry when the unit is unknown. Only flags given on the command line are changed; everything else keeps its current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Partial update: only flags the user actually set go in the body.
			body := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("host") {
				body["host"] = host
			}
			if flags.Changed("tcp-port") {
				body["tcp_port"] = tcpPort
			}
			if flags.Changed("ftp-port") {
				body["ftp_port"] = ftpPort
			}
			if flags.Changed("ftp-user") {
				body["ftp_username"] = ftpUsername
			}
			if flags.Changed("ftp-pass") {
				body["ftp_password"] = ftpPassword
			}
			if flags.Changed("poll-interval") {
				body["poll_interval_seconds"] = pollInterval
			}
			if flags.Changed("tcp") {
				body["tcp_enabled"] = tcpEnabled
			}
			if flags.Changed("ftp") {
				body["ftp_enabled"] = ftpEnabled
			}
			if flags.Changed("poll") {
				body["poll_enabled"] = pollEnabled
			}

			var d deviceView
			if err := client.put(context.Background(), devicePath(args[0], ""), body, &d); err != nil {
				return fmt.Errorf("set device: %w", err)
			}

			out, err := formatDevice(&d, outputFormat)
			if err != nil {
				return fmt.Errorf("format device: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "device IP address or hostname")
	flags.IntVar(&tcpPort, "tcp-port", 2255, "control protocol port")
	flags.IntVar(&ftpPort, "ftp-port", 21, "device FTP port")
	flags.StringVar(&ftpUsername, "ftp-user", "", "FTP username")
	flags.StringVar(&ftpPassword, "ftp-pass", "", "FTP password")
	flags.IntVar(&pollInterval, "poll-interval", 60, "polling period in seconds")
	flags.BoolVar(&tcpEnabled, "tcp", true, "enable the TCP control channel")
	flags.BoolVar(&ftpEnabled, "ftp", true, "enable the FTP retrieval channel")
	flags.BoolVar(&pollEnabled, "poll", true, "enable background polling")

	return cmd
}

// --- device delete ---

func deviceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <unit-id>",
		Short: "Remove a device and its status and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.delete(context.Background(), devicePath(args[0], "")); err != nil {
				return fmt.Errorf("delete device: %w", err)
			}

			fmt.Printf("Device %s deleted.\n", args[0])

			return nil
		},
	}
}
