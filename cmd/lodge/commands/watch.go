package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"time"

	"github.com/spf13/cobra"

	"github.com/lodgepole/lodge/internal/activity"
	"github.com/lodgepole/lodge/internal/notify"
	"github.com/lodgepole/lodge/internal/printer"
	"github.com/lodgepole/lodge/internal/realtime"
	"github.com/lodgepole/lodge/internal/token"
	"github.com/lodgepole/lodge/internal/watch"
	"github.com/lodgepole/lodge/pkg/wire"
)

var (
	watchToken    string
	watchTokenURL string
	watchRooms    []string
	watchJSON     bool
	watchSummary  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the live envelope stream for a workspace",
	Long: `Connect to the hub and print every envelope delivered to this client,
one line per event. The connection reconnects automatically and replays
room joins, so the stream survives hub restarts.

Examples:
  # Watch everything in a workspace
  lodge watch --workspace acme --token dev-token

  # Additionally follow two project rooms, as raw JSON
  lodge watch --workspace acme --token dev-token \
    --room project:p-1 --room project:p-2 --json

  # Exchange the LODGE_SESSION credential for tokens
  lodge watch --workspace acme --token-url https://app.example.com/api/realtime-token`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Static connect token")
	watchCmd.Flags().StringVar(&watchTokenURL, "token-url", "", "Token exchange endpoint (uses the LODGE_SESSION credential)")
	watchCmd.Flags().StringArrayVar(&watchRooms, "room", nil, "Additional room to join (repeatable, e.g. project:p-1)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Emit raw envelope JSON instead of the readable view")
	watchCmd.Flags().BoolVar(&watchSummary, "summary", false, "Print a notification and activity digest on exit")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if workspaceID == "" {
		return printer.Error(
			"Workspace required",
			"The watch command needs to know which workspace to stream.",
			[]string{"Pass --workspace <id>"},
		)
	}
	tokens, err := tokenSource()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := realtime.Dial(ctx, realtime.Options{
		URL:         websocketURL(hubURL),
		WorkspaceID: workspaceID,
		Tokens:      tokens,
	})
	if err != nil {
		return printer.ErrorWithContext(
			"Connection failed",
			"Could not start a hub connection.",
			map[string]string{"url": hubURL, "error": err.Error()},
			[]string{"Check that lodge-hub is running and --url points at it"},
		)
	}
	defer conn.Close()

	for _, raw := range watchRooms {
		room := wire.RoomID(raw)
		if err := conn.Join(room); err != nil {
			return printer.Error(
				"Invalid room",
				fmt.Sprintf("Cannot join %q: %v", raw, err),
				[]string{"Rooms look like workspace:<id>, project:<id> or task:<id>"},
			)
		}
	}

	format := watch.FormatDefault
	if watchJSON {
		format = watch.FormatJSON
	}
	printer.Muted("watching workspace %s (ctrl-c to stop)\n", workspaceID)

	stream := conn.Rooms().Listen()
	var inbox *notify.Inbox
	var feed *activity.Feed
	if watchSummary {
		inbox = notify.NewInbox(0)
		feed = activity.NewFeed(0)
		stream = aggregate(ctx, stream, inbox, feed)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- watch.Run(ctx, stream, format, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		if watchSummary {
			printSummary(inbox, feed)
		}
		return nil
	case err := <-conn.Err():
		if errors.Is(err, realtime.ErrSessionExpired) {
			return printer.Error(
				"Session expired",
				"The hub rejected two consecutive connect attempts with fresh tokens.",
				[]string{"Sign in again to obtain a new session"},
			)
		}
		return fmt.Errorf("connection failed: %w", err)
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// aggregate tees the envelope stream through the notification inbox and the
// activity feed before handing it on to the renderer.
func aggregate(ctx context.Context, in <-chan *wire.Envelope, inbox *notify.Inbox, feed *activity.Feed) <-chan *wire.Envelope {
	out := make(chan *wire.Envelope, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-in:
				inbox.OnEnvelope(env)
				feed.OnEnvelope(env)
				select {
				case out <- env:
				default:
				}
			}
		}
	}()
	return out
}

func printSummary(inbox *notify.Inbox, feed *activity.Feed) {
	printer.Println()
	printer.Info("Session digest for workspace %s\n", workspaceID)

	printer.Info("  Notifications: %d unread of %d received\n", inbox.UnreadCount(), inbox.Len())
	for _, n := range inbox.Groups(time.Now()).New {
		printer.Printf("    [%s] %s: %s\n", n.Priority, n.Kind, n.Title)
	}

	items, err := feed.Query(wire.WorkspaceRoom(workspaceID), 10)
	if err != nil || len(items) == 0 {
		return
	}
	printer.Info("  Recent activity:\n")
	for _, item := range items {
		printer.Printf("    %s %s %q\n", item.Actor, item.Action, item.Entity)
	}
}

// tokenSource builds the token source from the flags: a static token wins,
// then the exchange endpoint with the LODGE_SESSION credential.
func tokenSource() (token.Source, error) {
	if watchToken != "" {
		return token.Static(watchToken), nil
	}
	if watchTokenURL != "" {
		credential := os.Getenv("LODGE_SESSION")
		if credential == "" {
			return nil, printer.Error(
				"Missing session credential",
				"--token-url needs a session credential to exchange for connect tokens.",
				[]string{"Set the LODGE_SESSION environment variable"},
			)
		}
		return token.NewExchangeClient(watchTokenURL, credential), nil
	}
	return nil, printer.Error(
		"No token configured",
		"The hub authenticates every connection with a token.",
		[]string{
			"Pass --token <token> for a static token",
			"Pass --token-url <endpoint> with LODGE_SESSION set to exchange tokens",
		},
	)
}

// websocketURL rewrites an http(s) base URL to its ws(s) equivalent.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
