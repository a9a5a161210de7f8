package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/httpclient"
)

func newRecordsCommand() *cobra.Command {
	var (
		offset int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "records <follow-id>",
		Short: "Read records received by a follow",
		Long: `Read the records and feed failures a follow has received, starting at
an offset. Use the printed next offset to continue reading.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(cmd, args[0], offset, limit)
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "Offset of the first event to read")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (0 = server default)")

	return cmd
}

func runRecords(cmd *cobra.Command, id string, offset int64, limit int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	page, err := client.ReadRecords(ctx, id, offset, limit)
	if err != nil {
		return err
	}

	if ok, err := render(cmd.OutOrStdout(), page); ok {
		return err
	}

	out := cmd.OutOrStdout()
	if page.Count == 0 {
		fmt.Fprintf(out, "No events from offset %d\n", page.StartOffset)
	}
	for _, msg := range page.Events {
		printMessage(out, msg)
	}
	fmt.Fprintf(out, "Next offset: %d\n", page.NextOffset)
	return nil
}

func printMessage(out io.Writer, msg httpclient.StreamMessage) {
	switch {
	case msg.Record != nil:
		rec := msg.Record
		fmt.Fprintf(out, "📨 [%d] %s %s %s\n", msg.Offset, rec.OccurredAt.Format("2006-01-02 15:04:05"), rec.Feed, rec.MimeType)
		fmt.Fprintf(out, "   %s\n", rec.Payload)
	case msg.Failure != nil:
		fmt.Fprintf(out, "❌ [%d] %s %s: %s\n", msg.Offset, msg.Failure.At.Format("2006-01-02 15:04:05"), msg.Failure.Interest.FollowedFeed, msg.Failure.Reason)
	}
}
