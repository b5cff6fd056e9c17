package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")) // bright blue
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")) // bright green
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var (
	userID           string
	chatConversation string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with Nova from the terminal",
	Long: `Chat with a running Nova server from the terminal. Replies stream as they arrive.

Press Ctrl-C while Nova is typing to stop the reply, or when idle to quit.
Type /new to start a new conversation and /quit to leave.

Examples:
  nova chat
  nova chat --conversation <id>    # continue a stored conversation
  nova chat --user ""              # do not store anything`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&userID, "user", "local", "User id messages are stored under, empty to disable history")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Conversation id to continue")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var st session.Store
	if userID != "" {
		db, err := cfg.Store.open(ctx)
		if err != nil {
			return fmt.Errorf("error opening history, use --user \"\" to chat without it: %w", err)
		}
		defer db.Close()
		st = db
	}

	t := newTranscript(out)
	sess := session.New(session.Config{
		Endpoint:       cfg.ChatURL,
		APIKey:         cfg.ChatAPIKey,
		UserID:         userID,
		ConversationID: chatConversation,
		Greeting:       cfg.Greeting,
		Timeout:        cfg.RequestTimeout,
		OnChange:       t.update,
	}, nil, st, nil, logger)
	defer sess.Close()

	if chatConversation != "" && st != nil {
		if err := sess.LoadConversation(ctx, chatConversation); err != nil {
			return err
		}
	}
	t.update(sess.State())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	for {
		if interactive {
			fmt.Fprint(out, userStyle.Render("You:")+" ")
		}

		var text string
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(line)
		case <-sigs:
			fmt.Fprintln(out)
			return nil
		}

		switch text {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			id := sess.StartNewConversation()
			fmt.Fprintln(out, mutedStyle.Render("Started conversation "+id))
			continue
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			sess.SendMessage(ctx, text)
		}()

	wait:
		for {
			select {
			case <-done:
				break wait
			case <-sigs:
				sess.CancelStream()
			}
		}
	}
}

// transcript prints session changes as a growing terminal transcript.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]string
	closed  map[string]bool
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{
		out:     out,
		printed: make(map[string]string),
		closed:  make(map[string]bool),
	}
}

func (t *transcript) update(st session.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[string]bool, len(st.Messages))
	for i, msg := range st.Messages {
		present[msg.ID] = true
		if t.closed[msg.ID] {
			continue
		}

		if msg.Role == models.RoleUser {
			// The message being sent was typed by the user; only history is echoed.
			if !st.IsTyping {
				fmt.Fprintln(t.out, userStyle.Render("You:")+" "+msg.Content)
			}
			t.closed[msg.ID] = true
			continue
		}

		prev, seen := t.printed[msg.ID]
		if !seen {
			fmt.Fprint(t.out, assistantStyle.Render("Nova:")+" ")
		}
		if strings.HasPrefix(msg.Content, prev) {
			fmt.Fprint(t.out, msg.Content[len(prev):])
		} else {
			// The reply was replaced, usually by an error notice.
			fmt.Fprint(t.out, "\n"+msg.Content)
		}
		t.printed[msg.ID] = msg.Content

		if !st.IsTyping || i < len(st.Messages)-1 {
			fmt.Fprintln(t.out)
			t.closed[msg.ID] = true
		}
	}

	// An empty reply is dropped from the session once the stream ends.
	for id := range t.printed {
		if !present[id] && !t.closed[id] {
			fmt.Fprintln(t.out)
			t.closed[id] = true
		}
	}
}
