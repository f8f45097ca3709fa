package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/client"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// ChatConfig holds configuration for the chat command.
type ChatConfig struct {
	ServerURL string
	UserID    string
	ThreadID  string
}

// NewChatCmd creates the chat command.
func NewChatCmd() *cobra.Command {
	cfg := &ChatConfig{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running backend from the terminal",
		Long: `Open an interactive chat against a running backend. Each line you type
is one turn; the agent's text and state updates stream back as they happen.

Examples:
  agentbridge chat
  agentbridge chat --server http://localhost:8080 --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Backend server URL")
	cmd.Flags().StringVar(&cfg.UserID, "user", "", "User id sent with each turn")
	cmd.Flags().StringVar(&cfg.ThreadID, "thread", "", "Thread id (default: a fresh one)")

	return cmd
}

func runChat(ctx context.Context, chatCfg *ChatConfig) error {
	threadID := chatCfg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	var opts []client.Option
	if chatCfg.UserID != "" {
		opts = append(opts, client.WithIdentity(chatCfg.UserID, threadID))
	}
	c := client.New(chatCfg.ServerURL, opts...)

	fmt.Printf("Connected to %s (thread %s). Type a message, or 'exit' to quit.\n",
		chatCfg.ServerURL, threadID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(color.CyanString("you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := runChatTurn(ctx, c, threadID, line); err != nil {
			fmt.Println(color.RedString("error: %v", err))
		}
	}
	return scanner.Err()
}

func runChatTurn(ctx context.Context, c *client.Client, threadID, text string) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " thinking..."
	s.Start()
	spinning := true
	stopSpinner := func() {
		if spinning {
			s.Stop()
			spinning = false
		}
	}
	defer stopSpinner()

	inMessage := false
	err := c.Run(ctx, &wire.RunAgentInput{
		ThreadID: threadID,
		Messages: []wire.Message{{ID: uuid.NewString(), Role: "user", Content: text}},
	}, func(ev *wire.Event) error {
		switch ev.Type {
		case wire.EventTypeTextMessageStart:
			stopSpinner()
			fmt.Print(color.GreenString("agent> "))
			inMessage = true
		case wire.EventTypeTextMessageContent:
			chunk, err := ev.TextDelta()
			if err != nil {
				return err
			}
			fmt.Print(chunk)
		case wire.EventTypeTextMessageEnd:
			fmt.Println()
			inMessage = false
		case wire.EventTypeToolCallStart:
			stopSpinner()
			fmt.Println(color.HiBlackString("[tool] %s", ev.ToolCallName))
		}
		return nil
	})
	stopSpinner()
	if inMessage {
		fmt.Println()
	}
	if err != nil {
		return err
	}

	if changed := c.Reconciler().ChangedKeys(); len(changed) > 0 {
		sort.Strings(changed)
		fmt.Println(color.HiBlackString("[state] updated: %s", strings.Join(changed, ", ")))
	}
	return nil
}
