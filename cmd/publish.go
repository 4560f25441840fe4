package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"crosspost/pkg/bus"
	"crosspost/pkg/media"
	"crosspost/pkg/platform"
	"crosspost/pkg/publish"
	"crosspost/pkg/ui/report"
)

var (
	contentText  string
	accountIDs   []string
	mediaPaths   []string
	destinations []string
	optionPairs  []string
	scheduledAt  string
	jsonOutput   bool
)

var publishCmd = &cobra.Command{
	Use:   "publish [content]",
	Short: "Publish one post to the selected accounts",
	Long:  "Loads configuration, delivers the post to every --account, and prints one outcome per account.",
	Run: func(cmd *cobra.Command, args []string) {
		req, err := buildPublishRequest(args)
		if err != nil {
			fmt.Printf("invalid request: %v\n", err)
			return
		}
		defer media.ReleaseAll(req.Media)

		cfg, log, ok := loadRuntimeConfig("cmd.publish")
		if !ok {
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			fmt.Printf("failed to initialize runtime: %v\n", err)
			return
		}
		defer rt.Close()

		renderer := report.New(80)
		done := make(chan struct{})
		if jsonOutput {
			close(done)
		} else {
			events, unsubscribe := rt.events.Subscribe(ctx, 64)
			defer unsubscribe()
			go func() {
				defer close(done)
				printProgress(events, renderer, cmd.OutOrStdout())
			}()
		}

		rep, err := rt.orchestrator.Publish(ctx, req)
		rt.events.Close()
		<-done
		if err != nil {
			if errors.Is(err, publish.ErrNotDue) {
				fmt.Printf("not due until %s\n", req.ScheduledAt.Format(time.RFC3339))
				return
			}
			fmt.Printf("publish failed: %v\n", err)
			return
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(rep)
			return
		}
		fmt.Fprint(cmd.OutOrStdout(), renderer.Report(rep))
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&contentText, "text", "t", "", "post text")
	publishCmd.Flags().StringSliceVarP(&accountIDs, "account", "a", nil, "account id to publish to (repeatable)")
	publishCmd.Flags().StringSliceVarP(&mediaPaths, "media", "m", nil, "media file to attach (repeatable, at most 4)")
	publishCmd.Flags().StringSliceVarP(&destinations, "dest", "d", nil, "destination override as account=channel or platform=channel")
	publishCmd.Flags().StringSliceVarP(&optionPairs, "option", "o", nil, "platform option as platform.key=value")
	publishCmd.Flags().StringVar(&scheduledAt, "at", "", "RFC3339 time before which the post is not sent")
	publishCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
}

func buildPublishRequest(args []string) (publish.Request, error) {
	selection := publish.Selection{AccountIDs: accountIDs}
	if len(destinations) > 0 {
		selection.Destinations = make(map[string]string, len(destinations))
		for _, pair := range destinations {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return publish.Request{}, fmt.Errorf("destination %q must be key=value", pair)
			}
			selection.Destinations[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}

	options := selection.PlatformOptions()
	for _, pair := range optionPairs {
		p, key, value, err := parseOption(pair)
		if err != nil {
			return publish.Request{}, err
		}
		if options[p] == nil {
			options[p] = platform.Options{}
		}
		options[p][key] = value
	}

	req := publish.Request{
		Content:         resolveContent(args),
		Targets:         selection.Targets(),
		PlatformOptions: options,
	}
	if scheduledAt != "" {
		at, err := time.Parse(time.RFC3339, scheduledAt)
		if err != nil {
			return publish.Request{}, fmt.Errorf("--at: %w", err)
		}
		req.ScheduledAt = &at
	}

	assets, err := loadMedia(mediaPaths)
	if err != nil {
		return publish.Request{}, err
	}
	req.Media = assets
	return req, nil
}

func resolveContent(args []string) string {
	if value := strings.TrimSpace(contentText); value != "" {
		return value
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

// parseOption splits "youtube.title=Launch day".
func parseOption(pair string) (platform.Platform, string, string, error) {
	lhs, value, ok := strings.Cut(pair, "=")
	if !ok {
		return "", "", "", fmt.Errorf("option %q must be platform.key=value", pair)
	}
	tag, key, ok := strings.Cut(lhs, ".")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", "", fmt.Errorf("option %q must be platform.key=value", pair)
	}
	p, err := platform.Parse(tag)
	if err != nil {
		return "", "", "", err
	}
	return p, strings.TrimSpace(key), value, nil
}

// loadMedia reads files into assets, sniffing the content type the same way
// inbound data urls are sniffed.
func loadMedia(paths []string) ([]*media.Asset, error) {
	if len(paths) > publish.MaxMedia {
		return nil, fmt.Errorf("at most %d media files are allowed", publish.MaxMedia)
	}
	limits := media.DefaultLimits()
	assets := make([]*media.Asset, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			media.ReleaseAll(assets)
			return nil, fmt.Errorf("read media: %w", err)
		}
		if int64(len(data)) > limits.MaxBytes {
			media.ReleaseAll(assets)
			return nil, fmt.Errorf("%s exceeds %d bytes", path, limits.MaxBytes)
		}
		mimeType := mimetype.Detect(data).String()
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		if !slices.Contains(limits.Allowed, mimeType) {
			media.ReleaseAll(assets)
			return nil, fmt.Errorf("%s: unsupported media type %s", path, mimeType)
		}
		assets = append(assets, media.NewAsset(filepath.Base(path), mimeType, data))
	}
	return assets, nil
}

func printProgress(events <-chan bus.Event, renderer *report.Renderer, out io.Writer) {
	for event := range events {
		if line := renderer.Progress(event); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}
