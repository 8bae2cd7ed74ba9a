package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	coursechat "github.com/courseloop/chat-go"
	"github.com/spf13/cobra"
)

var historyJSONOutput bool

func init() {
	historyCmd.Flags().BoolVar(&historyJSONOutput, "json", false, "output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show the conversation log with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self, _ := identity()
		peer := coursechat.PeerID(args[0])

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Messages.History(ctx, self, peer)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSONOutput {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(self, m)
		}
		return nil
	},
}

// printMessage renders one log line: direction, tick for read, media tag.
func printMessage(self coursechat.PeerID, m coursechat.Message) {
	who := string(m.Sender)
	if m.Sender == self {
		who = "me"
	}
	tick := " "
	if m.Status == coursechat.StatusRead {
		tick = "✓"
	}
	body := m.Content
	if m.Media != nil {
		body = fmt.Sprintf("[%s] %s %s", m.Media.Kind, m.Media.URL, body)
	}
	fmt.Printf("%s %-24s %s %s\n", m.SentAt, who, tick, body)
}
