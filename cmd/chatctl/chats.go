package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/spf13/cobra"
)

var (
	sendTo       string
	sendType     string
	sendFileTo   string
	sendFileMIME string
	callData     string
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "open this conversation before sending")
	sendCmd.Flags().StringVar(&sendType, "type", string(domain.TypeText), "message type (text, wink, file, system, video-event)")
	sendFileCmd.Flags().StringVar(&sendFileTo, "to", "", "open this conversation before sending")
	sendFileCmd.Flags().StringVar(&sendFileMIME, "mime", "", "MIME type (guessed from the extension by default)")
	callCmd.Flags().StringVar(&callData, "data", "", "JSON signalling data")

	rootCmd.AddCommand(conversationsCmd, openCmd, messagesCmd, moreCmd, sendCmd, sendFileCmd,
		retryCmd, typingCmd, readCmd, callCmd, watchCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		res, err := client.ListConversations(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		if len(res.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range res.Conversations {
			marker := " "
			if c.CounterpartID == res.Active {
				marker = "*"
			}
			presence := "offline"
			if c.Typing {
				presence = "typing"
			} else if c.Online {
				presence = "online"
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
			}
			fmt.Printf("%s %-20s %-8s unread=%-3d %s\n", marker, c.Name, presence, c.UnreadCount, preview)
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <counterpart>",
	Short: "Make a conversation active and load its first page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		res, err := client.SetActive(ctx, args[0])
		if err != nil {
			return err
		}
		printMessages(res)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [counterpart]",
	Short: "Show the cached messages of a conversation (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		res, err := client.ListMessages(ctx, id)
		if err != nil {
			return err
		}
		printMessages(res)
		return nil
	},
}

var moreCmd = &cobra.Command{
	Use:   "more",
	Short: "Load the next page of older messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		page, err := client.LoadMore(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(page)
			return nil
		}
		fmt.Printf("Page %d: %d messages, more=%v\n", page.Page, page.Count, page.HasMore)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a message to the active conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := openIfSet(ctx, sendTo); err != nil {
			return err
		}
		msg, err := client.Send(ctx, strings.Join(args, " "), domain.MessageType(sendType), nil)
		if err != nil {
			return err
		}
		printSent(msg)
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <path>",
	Short: "Upload a file and send it to the active conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := openIfSet(ctx, sendFileTo); err != nil {
			return err
		}
		msg, err := client.SendFile(ctx, absPath(args[0]), sendFileMIME)
		if err != nil {
			return err
		}
		printSent(msg)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <temp-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		msg, err := client.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		printSent(msg)
		return nil
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing",
	Short: "Signal typing in the active conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return client.Typing(ctx)
	},
}

var readCmd = &cobra.Command{
	Use:   "read [counterpart]",
	Short: "Mark a conversation read (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return client.MarkRead(ctx, id)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <event> <counterpart>",
	Short: "Send a call signalling event (call:initiate, call:answer, call:decline, call:end)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var data json.RawMessage
		if callData != "" {
			if !json.Valid([]byte(callData)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			data = json.RawMessage(callData)
		}
		return client.CallSignal(ctx, args[0], args[1], data)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream core events (message., conversation., typing., connection., call.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}
		err := client.Watch(ctx, namespace, func(evt api.EventView) error {
			if jsonOutput {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s %-28s %s\n", time.UnixMilli(evt.AtMs).Format(time.TimeOnly), evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func openIfSet(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return nil
	}
	_, err := client.SetActive(ctx, counterpartID)
	return err
}

func printMessages(res api.MessagesResult) {
	if jsonOutput {
		outputJSON(res)
		return
	}
	for _, m := range res.Messages {
		fmt.Printf("%s %-10s %-9s %s\n", time.UnixMilli(m.CreatedAtMs).Format(time.DateTime), m.SenderID, m.Status, describe(m))
	}
	if res.HasMore {
		fmt.Println("(older messages available: chatctl more)")
	}
	if res.Typing {
		fmt.Printf("%s is typing...\n", res.CounterpartID)
	}
}

func printSent(m api.MessageView) {
	if jsonOutput {
		outputJSON(m)
		return
	}
	fmt.Printf("Sent %s (%s)\n", m.ID, m.Status)
}

func describe(m api.MessageView) string {
	switch {
	case m.File != nil:
		return fmt.Sprintf("[file %s, %d bytes] %s", m.File.Name, m.File.Size, m.File.URL)
	case m.Status == string(domain.StatusFailed):
		return fmt.Sprintf("%s (failed: %s, retry with chatctl retry %s)", m.Content, m.FailReason, m.ID)
	case m.Type != "" && m.Type != string(domain.TypeText):
		return fmt.Sprintf("[%s] %s", m.Type, m.Content)
	default:
		return m.Content
	}
}

// absPath resolves path against the caller's working directory; the daemon
// runs elsewhere.
func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
