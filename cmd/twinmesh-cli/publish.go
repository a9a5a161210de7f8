package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

func newPublishCommand() *cobra.Command {
	var (
		file   string
		feed   string
		values []string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish feed data of twins",
		Long: `Publish the populated feed values of a twin document or an array of twin
documents. Values can be set on the command line with --feed and --value.

Example:
  twinmesh-cli publish --file sensor.json --feed reading --value temperature=21.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, file, feed, values)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Twin document or array of documents (JSON), '-' for stdin (required)")
	cmd.Flags().StringVar(&feed, "feed", "", "Feed whose values --value sets (single twin only)")
	cmd.Flags().StringArrayVar(&values, "value", nil, "Value to share as label=value (repeatable)")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(fmt.Sprintf("Failed to mark file as required: %v", err))
	}
	cmd.MarkFlagsRequiredTogether("feed", "value")

	return cmd
}

func runPublish(cmd *cobra.Command, file, feed string, values []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	data, err := readInput(cmd, file)
	if err != nil {
		return err
	}
	twins, err := twin.ParseTwinModels(data)
	if err != nil {
		return err
	}

	if feed != "" {
		if err := applyShares(twins, feed, values); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	report, err := client.Publish(ctx, twins...)
	if err != nil {
		return err
	}

	if ok, err := render(cmd.OutOrStdout(), report); ok {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batch %s: %d of %d feed(s) shared\n", report.BatchID, len(report.Outcome.Succeeded), report.Outcome.Total)
	for _, ref := range report.Outcome.Succeeded {
		fmt.Fprintf(out, "   ✓ %s\n", ref)
	}
	for _, f := range report.Outcome.Failed {
		fmt.Fprintf(out, "   ✗ %s: %s\n", f.Ref, f.Reason)
	}
	for _, ref := range report.Skipped {
		fmt.Fprintf(out, "   - %s (no values)\n", ref)
	}
	for _, f := range report.Rejected {
		fmt.Fprintf(out, "   ✗ %s: %s\n", f.Ref, f.Reason)
	}

	if len(report.Outcome.Failed) > 0 || len(report.Rejected) > 0 {
		return fmt.Errorf("%d feed(s) failed", len(report.Outcome.Failed)+len(report.Rejected))
	}
	return nil
}

// applyShares sets label=value pairs on one feed of a single twin.
func applyShares(twins []twin.TwinModel, feed string, values []string) error {
	if len(twins) != 1 {
		return fmt.Errorf("--feed needs a single twin document, got %d", len(twins))
	}

	shares := make(map[string]string, len(values))
	for _, v := range values {
		label, value, ok := strings.Cut(v, "=")
		if !ok || label == "" {
			return fmt.Errorf("invalid --value %q (want label=value)", v)
		}
		shares[label] = value
	}

	for i := range twins[0].Feeds {
		if twins[0].Feeds[i].ID == feed {
			twins[0].Feeds[i].SetShares(shares)
			return nil
		}
	}
	return fmt.Errorf("twin %s has no feed %q", twins[0].ID, feed)
}
