package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/harun/shiftdesk/internal/daemon"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/spf13/cobra"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent from the terminal",
	Long: `Start an interactive session with the agent as the given user.
History, tools and the model are the same as for the service. Type "exit" to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user id to chat as")
	rootCmd.AddCommand(chatCmd)
}

// lineReader is the part of *readline.Instance the REPL uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// messageHandler is the part of the orchestrator the REPL uses.
type messageHandler interface {
	HandleMessage(ctx context.Context, userID, text string) (string, error)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx := cmd.Context()
	rt, err := daemon.NewRuntime(ctx, cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer rt.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(cfg.DataDir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start terminal: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Chatting as %s. Type \"exit\" to quit, %s to clear history.\n", chatUser, cfg.Agent.ResetCommand)
	return chatLoop(ctx, rl, rt.Orchestrator, chatUser, cfg.Agent.Timeout(), cmd.OutOrStdout())
}

// chatLoop reads lines until exit or EOF and prints each reply.
func chatLoop(ctx context.Context, rl lineReader, messages messageHandler, userID string, timeout time.Duration, out io.Writer) error {
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(line)
		switch text {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		runCtx, cancel := context.WithTimeout(tracing.NewRequestContext(ctx, "cli"), timeout)
		reply, err := messages.HandleMessage(runCtx, userID, text)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "agent> %s\n", reply)
	}
}
