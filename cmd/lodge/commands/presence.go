package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodgepole/lodge/internal/presence"
	"github.com/lodgepole/lodge/internal/printer"
	"github.com/lodgepole/lodge/pkg/wire"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show who is online in a workspace",
	Long: `Query the hub's presence snapshot for a workspace and print each
member's status, location and last activity.

Examples:
  lodge presence --workspace acme
  lodge presence --workspace acme --url http://hub.internal:8080`,
	RunE: runPresence,
}

func init() {
	rootCmd.AddCommand(presenceCmd)
}

func runPresence(cmd *cobra.Command, args []string) error {
	if workspaceID == "" {
		return printer.Error(
			"Workspace required",
			"The presence command needs to know which workspace to query.",
			[]string{"Pass --workspace <id>"},
		)
	}

	var entries []presence.Entry
	if err := fetchJSON(cmd, fmt.Sprintf("%s/presence/%s", hubURL, workspaceID), &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		printer.Info("No one is around in workspace %s.\n", workspaceID)
		return nil
	}

	printer.Info("%d member(s) in workspace %s:\n\n", len(entries), workspaceID)
	for _, e := range entries {
		name := e.UserName
		if name == "" {
			name = e.UserID
		}
		printer.Printf("  %s %-20s %-8s", statusGlyph(e.Status), name, e.Status)
		if e.ProjectID != "" {
			printer.Printf(" project:%s", e.ProjectID)
			if e.TaskID != "" {
				printer.Printf(" task:%s", e.TaskID)
			}
		}
		printer.Muted("  last seen %s", e.LastSeen.Local().Format(time.Kitchen))
		printer.Println()
	}
	return nil
}

func statusGlyph(s wire.PresenceStatus) string {
	switch s {
	case wire.StatusOnline:
		return "●"
	case wire.StatusBusy:
		return "⛔"
	case wire.StatusIdle:
		return "◐"
	case wire.StatusAway:
		return "○"
	default:
		return "·"
	}
}

// fetchJSON GETs url and decodes the response body into out, translating
// failures into printer errors.
func fetchJSON(cmd *cobra.Command, url string, out any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return printer.ErrorWithContext(
			"Hub unreachable",
			"Could not reach the hub.",
			map[string]string{"url": url, "error": err.Error()},
			[]string{"Check that lodge-hub is running and --url points at it"},
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printer.ErrorWithContext(
			"Hub request failed",
			fmt.Sprintf("The hub answered with status %d.", resp.StatusCode),
			map[string]string{"url": url},
			nil,
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse hub response: %w", err)
	}
	return nil
}
