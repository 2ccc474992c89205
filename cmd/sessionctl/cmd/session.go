package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		printStatus(cmd.OutOrStdout(), a.manager)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.manager.Status().Signed() {
			fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
			return nil
		}
		a.manager.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the access token now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.Refresh(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Access token valid until %s\n", a.manager.Tokens().ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

func printStatus(out io.Writer, m *auth.SessionManager) {
	fmt.Fprintf(out, "Status:   %s\n", m.Status())
	if err := m.LastError(); err != nil {
		fmt.Fprintf(out, "Error:    %v\n", err)
	}
	user := m.CurrentUser()
	if user == nil {
		return
	}
	roles := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, string(r))
	}
	session := m.Session()
	fmt.Fprintf(out, "User:     %s <%s>\n", user.DisplayName(), user.Email)
	fmt.Fprintf(out, "Roles:    %s\n", strings.Join(roles, ", "))
	fmt.Fprintf(out, "Session:  %s (device %s)\n", session.ID, session.Device.DeviceID)
	fmt.Fprintf(out, "Active:   %s\n", session.LastActivityAt.Local().Format(time.RFC1123))
	if tokens := m.Tokens(); tokens != nil {
		fmt.Fprintf(out, "Expires:  %s\n", tokens.ExpiresAt.Local().Format(time.RFC1123))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd, logoutCmd, refreshCmd)
}
