package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lodgepole/lodge/internal/hub"
	"github.com/lodgepole/lodge/internal/printer"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show room and session statistics for a workspace",
	Long: `Query the hub for a workspace's live statistics: connected sessions,
online users (across all hub processes) and per-room member counts.

Examples:
  lodge stats --workspace acme`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	if workspaceID == "" {
		return printer.Error(
			"Workspace required",
			"The stats command needs to know which workspace to query.",
			[]string{"Pass --workspace <id>"},
		)
	}

	var stats hub.RoomStats
	if err := fetchJSON(cmd, fmt.Sprintf("%s/stats/%s", hubURL, workspaceID), &stats); err != nil {
		return err
	}

	printer.Info("Workspace %s\n", stats.WorkspaceID)
	printer.Info("  Sessions: %d\n", stats.Sessions)
	printer.Info("  Users:    %d\n", len(stats.Users))
	for _, u := range stats.Users {
		printer.Muted("    %s\n", u)
	}

	if len(stats.Rooms) == 0 {
		printer.Info("  Rooms:    none\n")
		return nil
	}
	rooms := make([]string, 0, len(stats.Rooms))
	for room := range stats.Rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	printer.Info("  Rooms:\n")
	for _, room := range rooms {
		printer.Printf("    %-30s %d member(s)\n", room, stats.Rooms[room])
	}
	return nil
}
