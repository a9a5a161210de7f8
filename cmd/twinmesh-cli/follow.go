package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

type followFlags struct {
	twinFile   string
	find       bool
	search     searchFlags
	feeds      []string
	label      string
	comment    string
	keyName    string
	stream     bool
	streamOpts streamFlags
}

func newFollowCommand() *cobra.Command {
	var flags followFlags

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow the feeds of a twin",
		Long: `Follow the feeds of a twin document (--twin), or of every twin a search
finds (--find with the search flags). With --stream the new follow's records
are streamed until Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(cmd, &flags)
		},
	}

	cmd.Flags().StringVar(&flags.twinFile, "twin", "", "Twin document (JSON) to follow, '-' for stdin")
	cmd.Flags().BoolVar(&flags.find, "find", false, "Follow every twin found by the search flags")
	cmd.Flags().StringSliceVar(&flags.feeds, "feed", nil, "Feed id to follow (repeatable, default all feeds)")
	cmd.Flags().StringVar(&flags.label, "label", "", "Label of the follower twin")
	cmd.Flags().StringVar(&flags.comment, "comment", "", "Comment of the follower twin")
	cmd.Flags().StringVar(&flags.keyName, "key-name", "", "Key name selecting the follower identity")
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "Stream records of the new follow")
	cmd.Flags().IntVar(&flags.streamOpts.count, "count", 0, "With --stream, stop after this many events (0 = until Ctrl+C)")
	flags.search.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("twin", "find")
	cmd.MarkFlagsOneRequired("twin", "find")

	return cmd
}

func runFollow(cmd *cobra.Command, flags *followFlags) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	follower := twin.FollowerSpec{Label: flags.label, Comment: flags.comment, KeyName: flags.keyName}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var handles []engine.FollowHandle
	if flags.find {
		query, err := flags.search.query(cmd)
		if err != nil {
			return err
		}
		resp, err := client.FindAndFollow(ctx, httpclient.FindRequest{Filter: query, Follower: follower, Feeds: flags.feeds})
		if err != nil {
			return err
		}
		if ok, err := render(cmd.OutOrStdout(), resp); ok {
			if err != nil || !flags.stream {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d twin(s), following %d\n", resp.Found, len(resp.Follows))
			for _, h := range resp.Follows {
				printHandle(cmd, h)
			}
			for _, f := range resp.Failed {
				fmt.Fprintf(out, "⚠️  %s: %s\n", f.Ref, f.Reason)
			}
		}
		handles = resp.Follows
	} else {
		data, err := readInput(cmd, flags.twinFile)
		if err != nil {
			return err
		}
		model, err := twin.ParseTwinModel(data)
		if err != nil {
			return err
		}
		handle, err := client.Follow(ctx, engine.FollowRequest{Follower: follower, Twin: model, Feeds: flags.feeds})
		if err != nil {
			return err
		}
		if ok, err := render(cmd.OutOrStdout(), handle); ok {
			if err != nil || !flags.stream {
				return err
			}
		} else {
			printHandle(cmd, *handle)
		}
		handles = []engine.FollowHandle{*handle}
	}

	if !flags.stream {
		return nil
	}
	if len(handles) != 1 {
		return fmt.Errorf("--stream needs exactly one follow, got %d", len(handles))
	}
	return runStream(cmd, handles[0].ID, &flags.streamOpts)
}

func printHandle(cmd *cobra.Command, h engine.FollowHandle) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Follow %s: %s follows %s\n", h.ID, h.Follower, h.Twin)
	for _, feed := range h.Outcome.Succeeded {
		fmt.Fprintf(out, "   ✓ %s\n", feed.FeedID)
	}
	for _, f := range h.Outcome.Failed {
		fmt.Fprintf(out, "   ✗ %s: %s\n", f.Ref.FeedID, f.Reason)
	}
}
