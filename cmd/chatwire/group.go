package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	chatwire "github.com/chatwire/chatwire-go"
	"github.com/spf13/cobra"
)

var (
	groupCreateMembers string
	groupCreateJSON    bool

	groupUpdateName   string
	groupUpdateAvatar string
)

func init() {
	groupCreateCmd.Flags().StringVar(&groupCreateMembers, "members", "", "comma-separated member user ids")
	groupCreateCmd.Flags().BoolVar(&groupCreateJSON, "json", false, "raw JSON output")
	groupUpdateCmd.Flags().StringVar(&groupUpdateName, "name", "", "new group name")
	groupUpdateCmd.Flags().StringVar(&groupUpdateAvatar, "avatar", "", "new avatar reference")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupShowCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupRemoveCmd)
	groupCmd.AddCommand(groupRoleCmd)
	groupCmd.AddCommand(groupUpdateCmd)
	groupCmd.AddCommand(groupLeaveCmd)
	groupCmd.AddCommand(groupJoinCmd)
	rootCmd.AddCommand(groupCmd)
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Group management commands",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		spec := chatwire.GroupSpec{Name: args[0]}
		if groupCreateMembers != "" {
			spec.MemberIDs = strings.Split(groupCreateMembers, ",")
		}
		grp, err := client.Groups().Create(ctx, spec)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupCreateJSON {
			data, _ := json.MarshalIndent(grp, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Group created: %s\n", grp.ID)
		return nil
	},
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group-id>",
	Short: "Show a group's members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		grp, err := client.Groups().Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Name: %s\n", grp.Name)
		for _, m := range grp.Members {
			fmt.Printf("  %-24s %s\n", m.UserID, m.Role)
		}
		return nil
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group-id> <user-id>",
	Short: "Add a member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Groups().AddMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Member added.")
		return nil
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <user-id>",
	Short: "Remove a member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Groups().RemoveMember(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Member removed.")
		return nil
	},
}

var groupRoleCmd = &cobra.Command{
	Use:   "role <group-id> <user-id> <member|admin>",
	Short: "Change a member's role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		role := chatwire.GroupRole(args[2])
		if err := client.Groups().ChangeRole(ctx, args[0], args[1], role); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Role changed.")
		return nil
	},
}

var groupUpdateCmd = &cobra.Command{
	Use:   "update <group-id>",
	Short: "Edit group name or avatar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if groupUpdateName == "" && groupUpdateAvatar == "" {
			return fmt.Errorf("nothing to update: pass --name or --avatar")
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var update chatwire.GroupInfoUpdate
		if groupUpdateName != "" {
			update.Name = &groupUpdateName
		}
		if groupUpdateAvatar != "" {
			update.AvatarRef = &groupUpdateAvatar
		}
		if err := client.Groups().UpdateInfo(ctx, args[0], update); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Group updated.")
		return nil
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Groups().Leave(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Left group.")
		return nil
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <invite-code>",
	Short: "Join a group via invite code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := client.Groups().Join(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if res.AlreadyMember {
			fmt.Println("Already a member.")
			return nil
		}
		if res.Group != nil {
			fmt.Printf("Joined group: %s\n", res.Group.ID)
		}
		return nil
	},
}
