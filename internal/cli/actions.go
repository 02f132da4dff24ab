package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

func newSendCmd() *cobra.Command {
	var toFlag, ccFlag, subjectFlag, bodyFlag string
	var htmlFlag bool

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message from the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toFlag == "" {
				return fmt.Errorf("--to is required")
			}
			if subjectFlag == "" {
				return fmt.Errorf("--subject is required")
			}

			body, err := readBody(bodyFlag, os.Stdin)
			if err != nil {
				return err
			}

			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			draft := &domain.Draft{
				To:      parseAddrList(toFlag),
				CC:      parseAddrList(ccFlag),
				Subject: subjectFlag,
				Body:    body,
				HTML:    htmlFlag,
			}
			id, err := svc.mail.Send(cmd.Context(), expectedAccount, draft)
			if err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "send", MessageID: id})
			}
			fmt.Printf("Message sent: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&toFlag, "to", "", "recipient addresses (comma-separated)")
	cmd.Flags().StringVar(&ccFlag, "cc", "", "CC addresses (comma-separated)")
	cmd.Flags().StringVar(&subjectFlag, "subject", "", "message subject")
	cmd.Flags().StringVar(&bodyFlag, "body", "", "message body (use '-' to read from stdin)")
	cmd.Flags().BoolVar(&htmlFlag, "html", false, "send the body as HTML")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Permanently delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.mail.Delete(cmd.Context(), expectedAccount, args[0]); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "delete", MessageID: args[0]})
			}
			fmt.Println("Message deleted.")
			return nil
		},
	}
}

func newMarkReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.mail.MarkAsRead(cmd.Context(), expectedAccount, args[0]); err != nil {
				return fmt.Errorf("failed to mark message as read: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "mark-read", MessageID: args[0]})
			}
			fmt.Println("Marked as read.")
			return nil
		},
	}
}

// readBody returns flag, or all of stdin when flag is "-".
func readBody(flag string, stdin io.Reader) (string, error) {
	if flag != "-" {
		return flag, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read body from stdin: %w", err)
	}
	return string(b), nil
}

// parseAddrList splits a comma-separated string of email addresses.
func parseAddrList(s string) []domain.Address {
	if s == "" {
		return nil
	}
	parts := splitTrim(s)
	addrs := make([]domain.Address, len(parts))
	for i, p := range parts {
		addrs[i] = domain.Address{Email: p}
	}
	return addrs
}

// splitTrim splits by comma and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
