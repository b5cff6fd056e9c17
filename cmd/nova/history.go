package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage stored conversations",
	Long: `List and delete stored conversations.

Examples:
  nova history                     # list recent conversations
  nova history list --limit 50
  nova history delete <id>`,
	Args: cobra.NoArgs,
	RunE: runHistoryList, // Default to list
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	historyCmd.PersistentFlags().StringVar(&userID, "user", "local", "User id whose conversations are managed")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Maximum number of conversations, 0 for all")
	historyCmd.AddCommand(historyListCmd, historyDeleteCmd)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	db, err := cfg.Store.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	convs, err := db.Conversations(cmd.Context(), userID, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-9s %-10s %s\n", "ID", "Messages", "Updated", "Last message")
	fmt.Fprintln(out, strings.Repeat("-", 100))

	for _, c := range convs {
		last := runewidth.Truncate(strings.Join(strings.Fields(c.LastMessage), " "), 40, "...")
		fmt.Fprintf(out, "%-36s %-9d %-10s %s\n", c.ID, c.MessageCount, formatRelativeTime(c.LastUpdated), last)
	}

	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	db, err := cfg.Store.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteConversation(cmd.Context(), userID, args[0]); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
	return nil
}

func formatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}
