package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <unit-id>",
		Short: "Stream live measurement data from a device",
		Long:  "Opens the daemon's WebSocket stream for the unit and prints one line per device sample until interrupted (Ctrl+C). The device session is held for the duration of the stream.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wsURL := "ws://" + serverAddr + devicePath(args[0], "stream")
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				if resp != nil {
					defer resp.Body.Close()
					return decodeAPIError(resp)
				}
				return fmt.Errorf("dial stream: %w", err)
			}
			defer conn.Close()

			// Ctrl+C closes the socket, which unblocks ReadJSON.
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			for {
				var s sampleView
				if err := conn.ReadJSON(&s); err != nil {
					// Context cancellation (Ctrl+C) is expected, not an error.
					if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
						return nil
					}
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					var closeErr *websocket.CloseError
					if errors.As(err, &closeErr) {
						return fmt.Errorf("stream closed: %s", closeErr.Text)
					}

					return fmt.Errorf("read stream: %w", err)
				}

				out, fmtErr := formatSample(&s, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format sample: %w", fmtErr)
				}

				fmt.Println(out)
			}
		},
	}
}
