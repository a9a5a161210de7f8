package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
)

func newFollowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follows",
		Short: "Manage follows",
		Long:  "List, inspect and stop follows",
	}

	cmd.AddCommand(newFollowsListCommand())
	cmd.AddCommand(newFollowsGetCommand())
	cmd.AddCommand(newFollowsStopCommand())

	return cmd
}

func newFollowsListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List follows of this client",
		Long:  "List the follows created by this client, or every follow with --all (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowsList(cmd, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "List every follow on the gateway (requires admin)")
	return cmd
}

func newFollowsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <follow-id>",
		Short: "Show one follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowsGet(cmd, args[0])
		},
	}
}

func newFollowsStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <follow-id>",
		Short: "Stop a follow",
		Long:  "Stop a follow and unsubscribe from its feeds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowsStop(cmd, args[0])
		},
	}
}

func runFollowsList(cmd *cobra.Command, all bool) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var (
		follows []engine.FollowInfo
		err     error
	)
	if all {
		follows, err = client.AdminListFollows(ctx)
	} else {
		follows, err = client.ListFollows(ctx)
	}
	if err != nil {
		return err
	}

	if ok, err := render(cmd.OutOrStdout(), follows); ok {
		return err
	}

	out := cmd.OutOrStdout()
	if len(follows) == 0 {
		fmt.Fprintln(out, "No follows found")
		return nil
	}

	fmt.Fprintf(out, "Found %d follow(s):\n\n", len(follows))
	for i, info := range follows {
		fmt.Fprintf(out, "%d. ", i+1)
		printFollow(cmd, info)
		if i < len(follows)-1 {
			fmt.Fprintln(out)
		}
	}
	return nil
}

func runFollowsGet(cmd *cobra.Command, id string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	info, err := client.GetFollow(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := render(cmd.OutOrStdout(), info); ok {
		return err
	}
	printFollow(cmd, *info)
	return nil
}

func runFollowsStop(cmd *cobra.Command, id string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := client.StopFollow(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Follow %s stopped\n", id)
	return nil
}

func printFollow(cmd *cobra.Command, info engine.FollowInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", info.ID)
	fmt.Fprintf(out, "   Twin: %s\n", info.Twin)
	fmt.Fprintf(out, "   Follower: %s\n", info.Follower)
	fmt.Fprintf(out, "   Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
	for _, feed := range info.Feeds {
		fmt.Fprintf(out, "   Feed %s: %s\n", feed.Feed.FeedID, feed.State)
	}
}
