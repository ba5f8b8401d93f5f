package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func logsCmd() *cobra.Command {
	var (
		level    string
		category string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "logs <unit-id>",
		Short: "Show one device's gateway-side event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			q := url.Values{}
			if level != "" {
				q.Set("level", level)
			}
			if category != "" {
				q.Set("category", category)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			path := devicePath(args[0], "logs")
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Logs  []logView `json:"logs"`
				Count int       `json:"count"`
			}
			if err := client.get(context.Background(), path, &resp); err != nil {
				return fmt.Errorf("query logs: %w", err)
			}

			out, err := formatLogs(resp.Logs, outputFormat)
			if err != nil {
				return fmt.Errorf("format logs: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&level, "level", "", "filter by level: DEBUG, INFO, WARNING, ERROR")
	flags.StringVar(&category, "category", "", "filter by category: TCP, FTP, POLL, COMMAND, STATE, SYNC")
	flags.IntVar(&limit, "limit", 0, "maximum entries to return (0 = server default)")
	flags.IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
