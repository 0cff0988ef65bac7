package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reminder_calls_backend/internal/app"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/platform/config"
	"reminder_calls_backend/platform/logger"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Operate the reminder call engine",
	Long: `callctl inspects and repairs reminder call state.
- quota: live counters, phone blocks and expired reservation cleanup.
- sessions: look up a call by vendor id and close stale sessions.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	rootCmd.AddCommand(quotaCmd(), sessionsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func withDeps(ctx context.Context, fn func(ctx context.Context, deps *app.Deps) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Env).WithComponent("callctl")
	deps, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps)
}

func quotaCmd() *cobra.Command {
	q := &cobra.Command{Use: "quota", Short: "Inspect and manage call quotas"}
	q.AddCommand(quotaUsageCmd(), quotaCleanupCmd(), quotaBlockCmd(true), quotaBlockCmd(false), quotaReservationCmd())
	return q
}

func quotaUsageCmd() *cobra.Command {
	var tenant, phone string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show live window counters for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				usage, err := deps.Quota.Usage(ctx, tenantID, phone)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(usage)
				}
				renderUsage(usage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number (optional)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func renderUsage(usage quota.Usage) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Window", "Count", "Limit", "Resets At"})
	for _, w := range usage.Windows {
		limit := "unlimited"
		if w.Limit > 0 {
			limit = fmt.Sprint(w.Limit)
		}
		tw.AppendRow(table.Row{w.Window, w.Count, limit, formatTime(w.ResetsAt)})
	}
	tw.Render()

	if usage.Phone == nil {
		return
	}
	pt := table.NewWriter()
	pt.SetOutputMirror(os.Stdout)
	pt.AppendHeader(table.Row{"Phone", "Calls (24h)", "Last Call", "Blocked"})
	last := ""
	if usage.Phone.LastCallAt != nil {
		last = formatTime(*usage.Phone.LastCallAt)
	}
	pt.AppendRow(table.Row{usage.Phone.Phone, usage.Phone.Count, last, usage.Phone.Blocked})
	pt.Render()
}

func quotaCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Release reservations whose hold expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				n, err := deps.Quota.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]int{"released": n})
				}
				fmt.Printf("released %d expired reservation(s)\n", n)
				return nil
			})
		},
	}
}

func quotaBlockCmd(block bool) *cobra.Command {
	var phone string
	use, short := "block", "Refuse all future calls to a number"
	if !block {
		use, short = "unblock", "Lift a number block"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				if block {
					if err := deps.Quota.BlockNumber(ctx, phone); err != nil {
						return err
					}
				} else if err := deps.Quota.UnblockNumber(ctx, phone); err != nil {
					return err
				}
				fmt.Printf("%sed %s\n", use, phone)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func quotaReservationCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "reservation",
		Short: "Show a reservation record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				rec, err := deps.Quota.Get(ctx, id)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(rec)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Tenant", "Phone", "Created", "Expires"})
				tw.AppendRow(table.Row{rec.ID, rec.State, rec.TenantID, rec.Phone, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "reservation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sessionsCmd() *cobra.Command {
	s := &cobra.Command{Use: "sessions", Short: "Inspect call sessions"}
	s.AddCommand(sessionsShowCmd(), sessionsSweepCmd())
	return s
}

func sessionsShowCmd() *cobra.Command {
	var callID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session for a vendor call id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				sess, err := deps.SessionStore.GetByExternalCallID(ctx, callID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sess)
				}
				renderSessions([]sessions.Session{sess})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&callID, "call-id", "", "vendor call id")
	_ = cmd.MarkFlagRequired("call-id")
	return cmd
}

func sessionsSweepCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close sessions that never reached a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Deps) error {
				if after <= 0 {
					after = deps.Config.GetDeadLetterAfter()
				}
				sweep, err := deps.Sessions.DeadLetterStale(ctx, after)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sweep)
				}
				closed := append(sweep.Settled, sweep.DeadLettered...)
				if len(closed) == 0 {
					fmt.Println("no stale sessions")
					return nil
				}
				renderSessions(closed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "age after which a session is stale (defaults to DEAD_LETTER_AFTER)")
	return cmd
}

func renderSessions(list []sessions.Session) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Session", "Call", "Status", "Outcome", "Source", "Polls", "Reason"})
	for _, s := range list {
		tw.AppendRow(table.Row{s.ID, s.ExternalCallID, s.Status, s.Outcome, s.SourceOfTruth, s.PollAttempts, s.FailureReason})
	}
	tw.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
