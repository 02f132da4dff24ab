package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailbroker/internal/app"
	"github.com/lu-zhengda/mailbroker/internal/domain"
)

func newSyncCmd() *cobra.Command {
	var allFlag bool
	var maxFlag int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch recent message metadata into the local cache",
		Long:  "Syncs the active account, or with --all every authorized account in turn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := cmd.Context()

			if allFlag {
				accounts, err := svc.accounts.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list accounts: %w", err)
				}
				report := svc.sync.BatchSync(ctx, accounts, maxFlag)
				return printBatchReport(report)
			}

			res, err := svc.mail.Sync(ctx, expectedAccount, maxFlag)
			if err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}
			if jsonFlag {
				return printJSON(toJSONSyncResult(res))
			}
			fmt.Printf("Synced %d message(s).\n", len(res.Messages))
			if partial := res.Partial(); partial != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", partial)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "sync every authorized account")
	cmd.Flags().IntVar(&maxFlag, "max", 0, "max messages per account (defaults to sync.page_size)")
	return cmd
}

func printBatchReport(report *app.BatchReport) error {
	if jsonFlag {
		return printJSON(toJSONBatchReport(report))
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSTATUS\tMESSAGES\tDETAIL")
	for _, r := range report.Results {
		status, count, detail := "ok", 0, ""
		switch {
		case r.Skipped:
			status, detail = "skipped", "not authorized"
		case r.Err != nil:
			status, detail = "failed", r.Err.Error()
		default:
			count = len(r.Result.Messages)
			if len(r.Result.Failed) > 0 {
				detail = fmt.Sprintf("%d message(s) failed", len(r.Result.Failed))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", truncate(r.Account.Email, 40), status, count, truncate(detail, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d succeeded, %d failed, %d skipped\n", report.Succeeded, report.Failed, report.Skipped)
	return nil
}

func newListCmd() *cobra.Command {
	var limitFlag, offsetFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached messages of the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			msgs, err := svc.mail.List(cmd.Context(), expectedAccount, limitFlag, offsetFlag)
			if err != nil {
				return fmt.Errorf("failed to list messages: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONMessages(msgs))
			}

			if len(msgs) == 0 {
				fmt.Println("No messages found. Run 'mailbroker sync' first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UNREAD\tFROM\tSUBJECT\tDATE\tID")
			for _, m := range msgs {
				from := m.From.Name
				if from == "" {
					from = m.From.Email
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					mark(!m.IsRead),
					truncate(from, 30),
					truncate(m.Subject, 50),
					m.Date.Format("Jan 2, 2006"),
					m.ID,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max messages to show")
	cmd.Flags().IntVar(&offsetFlag, "offset", 0, "messages to skip")
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <message-id>",
		Short: "Show a message, fetching its body if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			msg, err := svc.mail.Get(cmd.Context(), expectedAccount, args[0])
			if err != nil {
				return fmt.Errorf("failed to get message: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONMessage(msg))
			}
			printMessage(msg)
			return nil
		},
	}
}

func printMessage(msg *domain.Message) {
	fmt.Printf("From: %s\n", msg.From)
	if len(msg.To) > 0 {
		to := make([]string, len(msg.To))
		for i, a := range msg.To {
			to[i] = a.String()
		}
		fmt.Printf("To: %s\n", strings.Join(to, ", "))
	}
	fmt.Printf("Subject: %s\n", msg.Subject)
	fmt.Printf("Date: %s\n", msg.Date.Format("Mon, Jan 2 2006 3:04 PM"))
	readStatus := "read"
	if !msg.IsRead {
		readStatus = "unread"
	}
	fmt.Printf("Status: %s\n", readStatus)
	fmt.Printf("Message ID: %s\n", msg.ID)
	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(msg.Body)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cached message counts for the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.mail.Stats(cmd.Context(), expectedAccount)
			if err != nil {
				if errors.Is(err, domain.ErrNotAuthorized) {
					return fmt.Errorf("no authorized active account: %w", err)
				}
				return err
			}
			if jsonFlag {
				return printJSON(jsonStats{Total: stats.Total, Unread: stats.Unread})
			}
			fmt.Printf("Total: %d\nUnread: %d\n", stats.Total, stats.Unread)
			return nil
		},
	}
}
