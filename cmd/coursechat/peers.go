package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var peersJSONOutput bool

func init() {
	peersCmd.Flags().BoolVar(&peersJSONOutput, "json", false, "output raw JSON")
	rootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers you can message",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		peers, err := client.Peers.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if peersJSONOutput {
			data, err := json.MarshalIndent(peers, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(peers) == 0 {
			fmt.Println("No peers.")
			return nil
		}
		for _, p := range peers {
			role := p.Role
			if role == "" {
				role = "?"
			}
			fmt.Printf("%-24s %-12s %s\n", p.ID, role, p.DisplayName)
		}
		return nil
	},
}
