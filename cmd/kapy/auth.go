package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/kapy/internal/auth"
	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/pkg/models"
)

// buildAuthCmd creates the "auth" command group for offline allowlist
// management. It edits the same state file the running gateway uses;
// restart the gateway (or rely on its synchronous reload on write) to
// pick changes up.
func buildAuthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the user allowlist and admin roles",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kapy.yaml",
		"Path to YAML configuration file")

	openService := func() (*auth.Service, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return auth.NewService(auth.Config{
			StatePath:          cfg.Auth.StatePath,
			RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
		})
	}

	allowCmd := &cobra.Command{
		Use:   "allow <channel> <user-id>",
		Short: "Allow a user on a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			ch, err := parseChannel(args[0])
			if err != nil {
				return err
			}
			if err := svc.AddUser(args[1], ch); err != nil {
				return err
			}
			cmd.Printf("allowed %s on %s\n", args[1], ch)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <channel> <user-id>",
		Short: "Remove a user from a channel allowlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			ch, err := parseChannel(args[0])
			if err != nil {
				return err
			}
			if err := svc.RemoveUser(args[1], ch); err != nil {
				return err
			}
			cmd.Printf("revoked %s on %s\n", args[1], ch)
			return nil
		},
	}

	adminCmd := &cobra.Command{
		Use:   "admin <user-id>",
		Short: "Grant the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			if err := svc.AddAdmin(args[0]); err != nil {
				return err
			}
			cmd.Printf("admin role granted to %s\n", args[0])
			return nil
		},
	}

	sysadminCmd := &cobra.Command{
		Use:   "sysadmin <user-id>",
		Short: "Grant the system admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			if err := svc.AddSystemAdmin(args[0]); err != nil {
				return err
			}
			cmd.Printf("system admin role granted to %s\n", args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List allowed users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			users := svc.AllowedUsers()
			if len(users) == 0 {
				cmd.Println("no allowed users")
				return nil
			}
			for _, u := range users {
				var roles []string
				if svc.IsAdmin(u) {
					roles = append(roles, "admin")
				}
				if svc.IsSystemAdmin(u) {
					roles = append(roles, "sysadmin")
				}
				if len(roles) > 0 {
					cmd.Printf("%s (%s)\n", u, strings.Join(roles, ", "))
				} else {
					cmd.Println(u)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(allowCmd, revokeCmd, adminCmd, sysadminCmd, listCmd)
	return cmd
}

func parseChannel(s string) (models.ChannelType, error) {
	switch models.ChannelType(strings.ToLower(s)) {
	case models.ChannelTelegram:
		return models.ChannelTelegram, nil
	case models.ChannelDiscord:
		return models.ChannelDiscord, nil
	case models.ChannelEmail:
		return models.ChannelEmail, nil
	default:
		return "", fmt.Errorf("unknown channel %q (telegram, discord, email)", s)
	}
}
