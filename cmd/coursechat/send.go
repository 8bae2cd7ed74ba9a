package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	coursechat "github.com/courseloop/chat-go"
	"github.com/spf13/cobra"
)

var (
	sendFilePath string
	sendPeerRole string
)

func init() {
	sendCmd.Flags().StringVar(&sendFilePath, "file", "", "attach an image, video, or audio file")
	sendCmd.Flags().StringVar(&sendPeerRole, "peer-role", "", "peer role (defaults to the opposite of yours)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text...>",
	Short: "Send a single message to a peer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self, role := identity()
		peer := coursechat.PeerID(args[0])
		content := strings.Join(args[1:], " ")
		if content == "" && sendFilePath == "" {
			return fmt.Errorf("nothing to send: give message text or --file")
		}

		session := coursechat.NewSession(coursechat.SessionConfig{
			Self:      self,
			Role:      role,
			Transport: client.Realtime.Connect(&coursechat.RealtimeConfig{Token: token()}),
			History:   client.Messages,
			Uploads:   client.Uploads,
			Logger:    logger(),
		})
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := session.SelectPeer(ctx, peer, peerRole(role)); err != nil {
			return err
		}

		var msg coursechat.Message
		var err error
		if sendFilePath != "" {
			att, upErr := client.Uploads.UploadFile(ctx, sendFilePath, nil)
			if upErr != nil {
				return fmt.Errorf("attachment rejected: %w", upErr)
			}
			msg, err = session.Send(ctx, content, att)
		} else {
			msg, err = session.Send(ctx, content, nil)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// peerRole resolves the recipient's role: the --peer-role flag if given,
// otherwise the opposite of the sender's.
func peerRole(self coursechat.Role) coursechat.Role {
	if sendPeerRole != "" {
		return coursechat.Role(sendPeerRole)
	}
	if self == coursechat.RoleStudent {
		return coursechat.RoleInstructor
	}
	return coursechat.RoleStudent
}
