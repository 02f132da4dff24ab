package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailbroker/internal/app"
	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage mail accounts",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountAutologinCmd())
	cmd.AddCommand(newAccountImportCmd())
	cmd.AddCommand(newAccountExportCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountSwitchCmd())
	cmd.AddCommand(newAccountRemoveCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var openFlag bool
	var timeoutFlag time.Duration

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Authorize a Gmail account in your browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			acquirer, bridge := svc.acquirer()
			defer bridge.Close()

			ctx := cmd.Context()
			sess, url, err := acquirer.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to start authorization: %w", err)
			}
			go func() {
				for msg := range sess.Events() {
					fmt.Fprintln(os.Stderr, msg)
				}
			}()

			fmt.Fprintf(os.Stderr, "Open this URL to authorize an account:\n\n  %s\n\n", url)
			if openFlag {
				if err := open.Run(url); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: could not open browser: %v\n", err)
				}
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeoutFlag)
			defer cancel()
			outcome := sess.Wait(waitCtx)
			if !outcome.Succeeded() {
				return fmt.Errorf("authorization failed: %w", outcome.Err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "add", Email: outcome.Email})
			}
			fmt.Printf("Account authorized: %s\n", outcome.Email)
			return nil
		},
	}

	cmd.Flags().BoolVar(&openFlag, "open", true, "open the authorization URL in the default browser")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "how long to wait for the redirect")
	return cmd
}

func newAccountAutologinCmd() *cobra.Command {
	var fileFlag, passwordFlag string

	cmd := &cobra.Command{
		Use:   "autologin [email]",
		Short: "Authorize accounts by signing in with a scripted browser",
		Long: "Signs in with a scripted Chrome and approves consent.\n\n" +
			"With --file, reads email|password lines and logs in to each in turn.\n" +
			"With an email, uses --password or the password stored for that account.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileFlag == "" && len(args) == 0 {
				return fmt.Errorf("an email or --file is required")
			}

			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			acquirer, bridge := svc.acquirer()
			defer bridge.Close()
			ctx := cmd.Context()

			if fileFlag != "" {
				data, err := os.ReadFile(fileFlag)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", fileFlag, err)
				}
				creds, skipped, err := domain.ParseCredentialList(string(data))
				if err != nil {
					return err
				}
				if skipped > 0 {
					fmt.Fprintf(os.Stderr, "skipped %d malformed lines in %s\n", skipped, fileFlag)
				}
				if len(creds) == 0 {
					return fmt.Errorf("no valid email|password lines in %s", fileFlag)
				}
				report := acquirer.BatchAutoLogin(ctx, creds, func(p app.BatchProgress) {
					fmt.Fprintf(os.Stderr, "[%d/%d] %s: %s\n", p.Current, p.Total, p.Email, p.Message)
				})
				return printLoginReport(report)
			}

			progress := func(msg string) { fmt.Fprintln(os.Stderr, msg) }
			var acct *domain.Account
			if passwordFlag != "" {
				acct, err = acquirer.AutoLogin(ctx, domain.Credential{Email: args[0], Secret: passwordFlag}, progress)
			} else {
				acct, err = acquirer.AutoLoginAccount(ctx, args[0], progress)
			}
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "autologin", Email: acct.Email, AccountID: acct.ID})
			}
			fmt.Printf("Account authorized: %s\n", acct.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&fileFlag, "file", "", "file of email|password lines")
	cmd.Flags().StringVar(&passwordFlag, "password", "", "password for the given email")
	return cmd
}

func printLoginReport(report *app.LoginReport) error {
	if jsonFlag {
		return printJSON(toJSONLoginReport(report))
	}
	for _, r := range report.Results {
		switch {
		case r.Skipped:
			fmt.Printf("SKIP  %s\n", r.Email)
		case r.Err != nil:
			fmt.Printf("FAIL  %s: %v\n", r.Email, r.Err)
		default:
			fmt.Printf("OK    %s\n", r.Account.Email)
		}
	}
	fmt.Printf("\n%d succeeded, %d failed, %d skipped\n", report.Succeeded, report.Failed, report.Skipped)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d logins failed", report.Failed, len(report.Results))
	}
	return nil
}

func newAccountImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import accounts from a JSON export or an email|password list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			entries, skipped, err := parseImport(data)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no importable accounts in %s", args[0])
			}

			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.accounts.Import(cmd.Context(), entries)
			if err != nil {
				return fmt.Errorf("failed to import accounts: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONImportReport(report, skipped))
			}
			fmt.Printf("Imported: %d added, %d updated, %d skipped\n", report.Added, report.Updated, skipped)
			if report.Activated != nil {
				fmt.Printf("Active account: %s\n", report.Activated.Email)
			}
			return nil
		},
	}
}

func newAccountExportCmd() *cobra.Command {
	var outputFlag string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all accounts as JSON that account import accepts",
		Long: "Writes every account with its stored password and tokens.\n" +
			"The output contains credentials; keep it private.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			accounts, err := svc.accounts.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}
			records := exportRecords(accounts)

			if outputFlag == "" {
				return printJSON(records)
			}
			f, err := os.OpenFile(outputFlag, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outputFlag, err)
			}
			if err := fprintJSON(f, records); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputFlag, err)
			}
			fmt.Fprintf(os.Stderr, "Exported %d accounts to %s\n", len(records), outputFlag)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			accounts, err := svc.accounts.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONAccounts(accounts))
			}

			if len(accounts) == 0 {
				fmt.Println("No accounts registered. Run 'mailbroker account add' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTIVE\tID\tEMAIL\tAUTHORIZED\tPASSWORD\tCREATED")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					mark(a.IsActive),
					a.ID,
					truncate(a.Email, 40),
					yesNo(a.HasToken()),
					yesNo(a.HasSecret()),
					a.CreatedAt.Format(time.DateOnly),
				)
			}
			return w.Flush()
		},
	}
}

func newAccountSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <email|id>",
		Short: "Make an authorized account the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			target, err := findAccount(ctx, svc.accounts, args[0])
			if err != nil {
				return err
			}
			acct, err := svc.accounts.Switch(ctx, target.ID)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "switch", Email: acct.Email, AccountID: acct.ID})
			}
			fmt.Printf("Active account: %s\n", acct.Email)
			return nil
		},
	}
}

func newAccountRemoveCmd() *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "remove [email|id]",
		Short: "Remove an account and its cached mail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allFlag == (len(args) == 1) {
				return fmt.Errorf("give either an account or --all")
			}

			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := cmd.Context()

			if allFlag {
				if err := svc.accounts.RemoveAll(ctx); err != nil {
					return fmt.Errorf("failed to remove accounts: %w", err)
				}
				if jsonFlag {
					return printJSON(jsonAction{OK: true, Action: "remove-all"})
				}
				fmt.Println("All accounts removed.")
				return nil
			}

			target, err := findAccount(ctx, svc.accounts, args[0])
			if err != nil {
				return err
			}
			if err := svc.accounts.Remove(ctx, target.ID); err != nil {
				return fmt.Errorf("failed to delete account: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "remove", Email: target.Email, AccountID: target.ID})
			}
			fmt.Printf("Account removed: %s\n", target.Email)
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "remove every account")
	return cmd
}

type accountFinder interface {
	Get(ctx context.Context, id int64) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
}

// findAccount resolves a numeric ID or an email address.
func findAccount(ctx context.Context, accounts accountFinder, ref string) (*domain.Account, error) {
	var (
		acct *domain.Account
		err  error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		acct, err = accounts.Get(ctx, id)
	} else {
		acct, err = accounts.GetByEmail(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account not found: %s", ref)
	}
	return acct, err
}
