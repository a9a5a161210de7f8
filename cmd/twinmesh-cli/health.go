package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Long:  "Show the engine health reported by the twinmesh gateway",
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	health, err := client.GetHealth(ctx)
	if err != nil {
		return err
	}

	if ok, err := render(cmd.OutOrStdout(), health); ok {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "twinmesh gateway %s\n", health.Version)
	fmt.Fprintf(out, "  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Fprintf(out, "  Follows: %d\n", health.Follows)

	states := make([]string, 0, len(health.Sessions))
	for state := range health.Sessions {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(out, "    %s: %d\n", state, health.Sessions[state])
	}

	fmt.Fprintf(out, "  Shares: %d succeeded, %d failed\n", health.SharesSucceeded, health.SharesFailed)
	fmt.Fprintf(out, "  Message: %s\n", health.Message)

	if !health.Healthy {
		return fmt.Errorf("gateway unhealthy: %s", health.Message)
	}
	return nil
}

// healthStatus returns a health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
