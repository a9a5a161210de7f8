package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/httpclient"
)

type streamFlags struct {
	offset     int64
	bufferSize int
	count      int
}

func newStreamCommand() *cobra.Command {
	var flags streamFlags

	cmd := &cobra.Command{
		Use:   "stream <follow-id>",
		Short: "Stream records of a follow in real-time",
		Long: `Stream the records of a follow in real-time using Server-Sent Events.
The stream reconnects and resumes after the last event it received.
Press Ctrl+C to stop streaming.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, args[0], &flags)
		},
	}

	cmd.Flags().Int64Var(&flags.offset, "offset", -1, "Offset of the first event (-1 = only new events)")
	cmd.Flags().IntVar(&flags.bufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().IntVar(&flags.count, "count", 0, "Stop after this many events (0 = until Ctrl+C)")

	return cmd
}

func runStream(cmd *cobra.Command, id string, flags *streamFlags) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamClient, err := client.Stream(ctx, httpclient.StreamConfig{
		FollowID:   id,
		Offset:     flags.offset,
		BufferSize: flags.bufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer streamClient.Close()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	if output == "text" {
		fmt.Fprintf(errOut, "🌊 Streaming follow %s from %s (Ctrl+C to stop)\n", id, serverURL)
	}

	received := 0
	errs := streamClient.Errors()
	for {
		select {
		case <-ctx.Done():
			if output == "text" {
				fmt.Fprintf(errOut, "\n✅ Stream stopped. Received %d events.\n", received)
			}
			return nil

		case msg, ok := <-streamClient.Events():
			if !ok {
				return streamEnded(streamClient, received)
			}
			received++
			if rendered, err := render(out, msg); err != nil {
				return err
			} else if !rendered {
				printMessage(out, msg)
			}
			if flags.count > 0 && received >= flags.count {
				return nil
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(errOut, "⚠️  %v\n", err)
		}
	}
}

// streamEnded reports why a stream finished on its own.
func streamEnded(sc *httpclient.StreamClient, received int) error {
	<-sc.Done()
	var last error
	for err := range sc.Errors() {
		last = err
	}
	if last != nil {
		return fmt.Errorf("stream ended after %d events: %w", received, last)
	}
	return nil
}
