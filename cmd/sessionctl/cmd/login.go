package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
	loginCode     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and persist the session",
	Long: `Signs in with an email address and password. The password is read from
standard input when --password is not given. When the account has a second
factor the one-time code is taken from --code or prompted for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginEmail == "" {
			return errors.New("--email is required")
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		password := loginPassword
		if password == "" {
			if password, err = prompt(in, out, "Password: "); err != nil {
				return err
			}
		}

		err = a.manager.Login(cmd.Context(), auth.Credentials{Email: loginEmail, Password: password})
		var throttled *auth.ThrottledError
		switch {
		case errors.As(err, &throttled):
			return fmt.Errorf("too many attempts, try again in %s", throttled.RetryAfter.Round(time.Second))
		case errors.Is(err, auth.ErrAlreadyAuthenticated):
			fmt.Fprintf(out, "Already signed in as %s\n", a.manager.CurrentUser().Email)
			return nil
		case err != nil:
			return err
		}

		if a.manager.Status() == auth.MFARequired {
			challenge := a.manager.PendingChallenge()
			code := loginCode
			if code == "" {
				if code, err = prompt(in, out, fmt.Sprintf("%s code: ", challenge.Method)); err != nil {
					return err
				}
			}
			if err := a.manager.VerifyChallenge(cmd.Context(), code); err != nil {
				return err
			}
		}

		user := a.manager.CurrentUser()
		fmt.Fprintf(out, "Signed in as %s (%s), session %s\n", user.DisplayName(), user.Email, a.manager.SessionID())
		return nil
	},
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", os.Getenv("SESSIONCTL_EMAIL"), "Email address")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted for when empty)")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "One-time code for the second factor")
}
