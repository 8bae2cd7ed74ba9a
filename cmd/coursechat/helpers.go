package main

import (
	"fmt"
	"os"

	coursechat "github.com/courseloop/chat-go"
)

// getClient creates a chat client from the stored configuration, with
// environment overrides for local development.
func getClient() *coursechat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token := cfg.Auth.Token
	if v := os.Getenv("COURSELOOP_TOKEN"); v != "" {
		token = v
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'coursechat init <token> --user <id> --role <Student|Instructor>' first.")
		os.Exit(1)
	}

	var opts []coursechat.ClientOption
	baseURL := cfg.Default.BaseURL
	if v := os.Getenv("COURSELOOP_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL != "" {
		opts = append(opts, coursechat.WithBaseURL(baseURL))
	}
	opts = append(opts, coursechat.WithLogger(logger()))

	return coursechat.NewClient(token, opts...)
}

// identity returns the signed-in peer id and role from configuration.
func identity() (coursechat.PeerID, coursechat.Role) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'coursechat init' first.")
		os.Exit(1)
	}
	role := coursechat.Role(cfg.Auth.Role)
	if role != coursechat.RoleStudent && role != coursechat.RoleInstructor {
		fmt.Fprintf(os.Stderr, "Invalid role %q in config (valid: Student, Instructor).\n", cfg.Auth.Role)
		os.Exit(1)
	}
	return coursechat.PeerID(cfg.Auth.UserID), role
}

// token returns the configured bearer token for the realtime channel.
func token() string {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("COURSELOOP_TOKEN"); v != "" {
		return v
	}
	return cfg.Auth.Token
}
