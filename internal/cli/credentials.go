package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailbroker/internal/store"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the OAuth client stored in the OS keyring",
	}
	cmd.AddCommand(newCredentialsSetCmd())
	cmd.AddCommand(newCredentialsClearCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var idFlag, secretFlag string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the OAuth client ID and secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks := store.NewKeyringCredentialStore()
			if err := ks.Save(store.ClientCredentials{ClientID: idFlag, ClientSecret: secretFlag}); err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "credentials-set"})
			}
			fmt.Println("OAuth client saved to the keyring.")
			return nil
		},
	}

	cmd.Flags().StringVar(&idFlag, "client-id", "", "OAuth client ID")
	cmd.Flags().StringVar(&secretFlag, "client-secret", "", "OAuth client secret")
	_ = cmd.MarkFlagRequired("client-id")
	_ = cmd.MarkFlagRequired("client-secret")
	return cmd
}

func newCredentialsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored OAuth client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.NewKeyringCredentialStore().Delete(); err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "credentials-clear"})
			}
			fmt.Println("OAuth client removed from the keyring.")
			return nil
		},
	}
}
