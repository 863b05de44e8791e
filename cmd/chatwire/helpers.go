package main

import (
	"fmt"
	"os"
	"path/filepath"

	chatwire "github.com/chatwire/chatwire-go"
	"go.uber.org/zap"
)

// getClient creates a ChatWire client from the stored credential.
func getClient() *chatwire.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatwire login <token> <user-id>' first.")
		os.Exit(1)
	}

	opts := []chatwire.ClientOption{}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatwire.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		log, _ := zap.NewDevelopment()
		opts = append(opts, chatwire.WithLogger(log))
	}

	return chatwire.NewClient(cfg.Auth.Token, opts...)
}

// currentUserID returns the stored user id, failing loudly when missing.
func currentUserID() string {
	cfg, err := loadConfig()
	if err != nil || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatwire login <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}

// openMarks opens the local mark store under the configured directory,
// defaulting to ~/.chatwire/marks.
func openMarks() (*chatwire.MarkStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir := cfg.Default.MarksDir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "marks")
	}
	return chatwire.OpenMarkStore(dir, zap.NewNop())
}
