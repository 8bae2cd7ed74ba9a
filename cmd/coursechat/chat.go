package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	coursechat "github.com/courseloop/chat-go"
	"github.com/spf13/cobra"
)

var chatPeerRole string

func init() {
	chatCmd.Flags().StringVar(&chatPeerRole, "peer-role", "", "peer role (defaults to the opposite of yours)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open an interactive conversation with a peer",
	Long: "Open a live conversation: incoming messages print as they arrive,\n" +
		"lines you type are sent. Commands: /file <path> to attach, /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self, role := identity()
		peer := coursechat.PeerID(args[0])

		rt := client.Realtime.Connect(&coursechat.RealtimeConfig{
			Token:         token(),
			AutoReconnect: true,
		})
		rt.OnReceive(func(m coursechat.Message) {
			if m.Sender != self {
				printMessage(self, m)
			}
		})
		rt.OnReadReceipt(func(r coursechat.ReadReceipt) {
			fmt.Printf("  ✓ read %s\n", r.ID)
		})
		rt.OnDisconnected(func(code int, reason string) {
			fmt.Fprintf(os.Stderr, "-- disconnected: %s\n", reason)
		})
		rt.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "-- connected")
		})

		session := coursechat.NewSession(coursechat.SessionConfig{
			Self:      self,
			Role:      role,
			Transport: rt,
			History:   client.Messages,
			Uploads:   client.Uploads,
			Logger:    logger(),
		})
		defer session.Close()

		ctx := context.Background()
		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		pr := coursechat.Role(chatPeerRole)
		if pr == "" {
			pr = peerRole(role)
		}
		if err := session.SelectPeer(ctx, peer, pr); err != nil {
			fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		}

		for _, m := range session.Messages() {
			printMessage(self, m)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/file "):
				path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
				att, err := client.Uploads.UploadFile(ctx, path, nil)
				if err != nil {
					fmt.Fprintf(os.Stderr, "attachment rejected: %v\n", err)
					continue
				}
				if _, err := session.Send(ctx, "", att); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			default:
				if _, err := session.Send(ctx, line, nil); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
		return scanner.Err()
	},
}
