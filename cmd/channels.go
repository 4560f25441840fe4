package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"crosspost/pkg/channelcache"
)

var forceRefresh bool

var channelsCmd = &cobra.Command{
	Use:   "channels <account-id>",
	Short: "List the postable channels of a channel-based account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, ok := loadRuntimeConfig("cmd.channels")
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			fmt.Printf("failed to initialize runtime: %v\n", err)
			return
		}
		defer rt.Close()

		if rt.channels == nil {
			fmt.Println("channel listing needs the discord platform enabled")
			return
		}

		res, err := rt.channels.Resolve(ctx, args[0], forceRefresh)
		if err != nil {
			fmt.Printf("list channels failed: %v\n", err)
			return
		}
		printChannels(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.Flags().BoolVar(&forceRefresh, "refresh", false, "bypass the cache and fetch live")
}

func printChannels(out io.Writer, res channelcache.Resolution) {
	source := "cached"
	switch {
	case res.Stale:
		source = "stale"
	case res.FreshlyFetched:
		source = "fresh"
	}
	fmt.Fprintf(out, "%s (%s, fetched %s)\n", res.GuildName, source, res.FetchedAt.Format(time.RFC3339))
	for _, ch := range res.Channels {
		if ch.Topic != "" {
			fmt.Fprintf(out, "  #%s  %s  %s\n", ch.Name, ch.ID, ch.Topic)
			continue
		}
		fmt.Fprintf(out, "  #%s  %s\n", ch.Name, ch.ID)
	}
}
