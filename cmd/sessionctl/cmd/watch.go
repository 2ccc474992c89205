package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session alive and report what happens to it",
	Long: `Restores the persisted session and keeps it alive with the heartbeat and
proactive refresh until interrupted. Status changes and security events are
printed as they happen, including sign-ins and sign-outs made by other
sessionctl processes sharing the same store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		displayAppname(a.config.GetAppName())
		out := cmd.OutOrStdout()
		printStatus(out, a.manager)

		unsubscribe := a.manager.OnStatusChange(func(change auth.StatusChange) {
			line := fmt.Sprintf("%s  %s -> %s (%s)", time.Now().Format(time.Kitchen), change.From, change.To, change.Reason)
			if change.Err != nil {
				line += ": " + change.Err.Error()
			}
			fmt.Fprintln(out, line)
		})
		defer unsubscribe()

		printEvents(ctx, a.manager, out)
		return nil
	},
}

// printEvents prints security events as they are recorded until ctx ends.
func printEvents(ctx context.Context, m *auth.SessionManager, out io.Writer) {
	seen := len(m.Events())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recorded := m.Events()
			for _, e := range recorded[seen:] {
				fmt.Fprintf(out, "%s  %-22s %v\n", e.Timestamp.Local().Format(time.Kitchen), e.Type, e.Details)
			}
			seen = len(recorded)
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
