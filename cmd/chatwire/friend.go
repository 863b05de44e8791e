package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	friendCmd.AddCommand(friendSendCmd)
	friendCmd.AddCommand(friendAcceptCmd)
	friendCmd.AddCommand(friendRejectCmd)
	friendCmd.AddCommand(friendCancelCmd)
	friendCmd.AddCommand(friendListCmd)
	rootCmd.AddCommand(friendCmd)
}

var friendCmd = &cobra.Command{
	Use:   "friend",
	Short: "Friend request commands",
}

var friendSendCmd = &cobra.Command{
	Use:   "send <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out, err := client.Friends().Send(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if out.Informational {
			fmt.Printf("Nothing to do: %s\n", out.Detail)
			return nil
		}
		fmt.Printf("Friend request sent: %s\n", out.Request.ID)
		return nil
	},
}

var friendAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return respond(args[0], true) },
}

var friendRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a received friend request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return respond(args[0], false) },
}

func respond(requestID string, accept bool) error {
	client := getClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := client.Friends().Respond(ctx, requestID, accept)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if out.Informational {
		fmt.Printf("Nothing to do: %s\n", out.Detail)
		return nil
	}
	if accept {
		fmt.Println("Request accepted.")
	} else {
		fmt.Println("Request rejected.")
	}
	return nil
}

var friendCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Withdraw a sent friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out, err := client.Friends().Cancel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if out.Informational {
			fmt.Printf("Nothing to do: %s\n", out.Detail)
			return nil
		}
		fmt.Println("Request cancelled.")
		return nil
	},
}

var friendListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		recv, err := client.Friends().Received(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		sent, err := client.Friends().Sent(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(recv) == 0 && len(sent) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		for _, r := range recv {
			fmt.Printf("received %-24s from %s\n", r.ID, r.FromID)
		}
		for _, r := range sent {
			fmt.Printf("sent     %-24s to   %s\n", r.ID, r.ToID)
		}
		return nil
	},
}
