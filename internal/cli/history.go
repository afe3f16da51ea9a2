package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/harun/shiftdesk/pkg/history"
	"github.com/spf13/cobra"
)

var (
	historyUser  string
	historyTurns int
	historyCap   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or clear conversation history",
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the recent conversation of a user",
	RunE:  runHistoryShow,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the conversation of a user",
	RunE:  runHistoryClear,
}

var historyUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with stored history",
	RunE:  runHistoryUsers,
}

func init() {
	for _, c := range []*cobra.Command{historyShowCmd, historyClearCmd} {
		c.Flags().StringVar(&historyUser, "user", "", "user id")
		_ = c.MarkFlagRequired("user")
	}
	historyShowCmd.Flags().IntVar(&historyTurns, "turns", history.DefaultUserTurnLimit, "number of user turns to show")
	historyShowCmd.Flags().IntVar(&historyCap, "cap", history.DefaultFetchCap, "maximum number of records to read")

	historyCmd.AddCommand(historyShowCmd, historyClearCmd, historyUsersCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory(cmd *cobra.Command) (history.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(cmd.Context(), cfg.History.Backend, cfg.History.Dir, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	turns, err := store.LoadRecent(cmd.Context(), historyUser, historyTurns, historyCap)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(turns) == 0 {
		fmt.Fprintf(out, "No history for %s\n", historyUser)
		return nil
	}
	for _, turn := range turns {
		printTurn(out, turn)
	}
	return nil
}

func printTurn(out io.Writer, turn history.Turn) {
	fmt.Fprintf(out, "#%d %s %s\n", turn.Seq, turn.Timestamp.Format("2006-01-02 15:04:05"), turn.Role)
	for _, part := range turn.Parts {
		switch {
		case part.Call != nil:
			fmt.Fprintf(out, "  call %s(%s)\n", part.Call.Name, compactJSON(part.Call.Args))
		case part.Result != nil && part.Result.Error != "":
			fmt.Fprintf(out, "  result %s: error: %s\n", part.Result.Name, part.Result.Error)
		case part.Result != nil:
			fmt.Fprintf(out, "  result %s: %s\n", part.Result.Name, compactJSON(part.Result.Output))
		case strings.TrimSpace(part.Text) != "":
			fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(part.Text, "\n", "\n  "))
		}
	}
}

func compactJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(cmd.Context(), historyUser); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared history for %s\n", historyUser)
	return nil
}

// userLister is implemented by the bundled stores.
type userLister interface {
	Users() ([]string, error)
}

func runHistoryUsers(cmd *cobra.Command, args []string) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	lister, ok := store.(userLister)
	if !ok {
		return fmt.Errorf("history backend does not support listing users")
	}
	users, err := lister.Users()
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintln(cmd.OutOrStdout(), u)
	}
	return nil
}
