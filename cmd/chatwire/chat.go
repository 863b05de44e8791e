package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatwire "github.com/chatwire/chatwire-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	historyLimit int
	historyJSON  bool

	sendJSON bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "raw JSON output")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the newest N messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "raw JSON output")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "raw JSON output")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, unread first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		marks, err := openMarks()
		if err != nil {
			return fmt.Errorf("failed to open mark store: %w", err)
		}
		defer marks.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := chatwire.NewConversationStore(client, nil, marks, currentUserID(), nil)
		defer store.Close()
		if err := store.LoadInitial(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		convos := store.Conversations()
		if conversationsJSON {
			data, _ := json.MarshalIndent(convos, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			flag := " "
			if c.Unread {
				flag = "*"
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Preview
			}
			fmt.Printf("%s %-24s %-20s %s\n", flag, c.ID, c.Title, preview)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		marks, err := openMarks()
		if err != nil {
			return fmt.Errorf("failed to open mark store: %w", err)
		}
		defer marks.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tl := chatwire.NewTimeline(client, marks, currentUserID(), args[0], nil)
		if err := tl.Load(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		msgs := tl.Messages()
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		if historyJSON {
			data, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		draft := chatwire.Draft{Payload: chatwire.Payload{Kind: chatwire.PayloadText, Text: args[1]}}
		msg, err := client.Messages().Send(ctx, args[0], draft)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Message sent: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// revoke
// ============================================================================

var revokeCmd = &cobra.Command{
	Use:   "revoke <conversation-id> <message-id>",
	Short: "Revoke a sent message for everyone",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Messages().Revoke(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Message revoked.")
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		marks, err := openMarks()
		if err != nil {
			return fmt.Errorf("failed to open mark store: %w", err)
		}
		defer marks.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := chatwire.NewConversationStore(client, nil, marks, currentUserID(), nil)
		defer store.Close()
		if err := store.LoadInitial(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := store.MarkRead(args[0]); err != nil {
			return fmt.Errorf("failed to persist read marker: %w", err)
		}
		fmt.Println("Marked read.")
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		marks, err := openMarks()
		if err != nil {
			return fmt.Errorf("failed to open mark store: %w", err)
		}
		defer marks.Close()

		rt := client.Realtime(nil)
		store := chatwire.NewConversationStore(client, rt, marks, currentUserID(), nil)
		defer store.Close()

		unsub := rt.Subscribe(chatwire.EventReceiveMessage, printEvent)
		defer unsub()
		unsubGroup := rt.Subscribe(chatwire.EventReceiveGroupMessage, printEvent)
		defer unsubGroup()
		unsubState := rt.OnStateChange(func(s chatwire.ConnState) {
			fmt.Printf("-- connection: %s\n", s)
		})
		defer unsubState()

		ctx := context.Background()
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer rt.Disconnect()

		if err := store.LoadInitial(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Watching. Ctrl-C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printMessage(m chatwire.Message) {
	body := m.Payload.Text
	switch m.Payload.Kind {
	case chatwire.PayloadImage:
		body = "[image] " + m.Payload.ImageRef
	case chatwire.PayloadVideo:
		body = "[video] " + m.Payload.VideoRef
	case chatwire.PayloadFile:
		if m.Payload.File != nil {
			body = "[file] " + m.Payload.File.Name
		}
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Sender.ID, body)
}

func printEvent(event string, payload json.RawMessage) {
	var m chatwire.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		fmt.Printf("-- %s: %s\n", event, string(payload))
		return
	}
	printMessage(m)
}
