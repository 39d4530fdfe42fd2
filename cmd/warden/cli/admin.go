package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// AdminPasswordEnv supplies the create-admin password without a prompt.
const AdminPasswordEnv = "WARDEN_ADMIN_PASSWORD"

func newCreateAdminCommand(opts *rootOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active admin account if the email is not taken",
		Long: `create-admin is idempotent: an existing account with the same email is left
unchanged. The password is read from ` + AdminPasswordEnv + ` or, when unset,
from the first line of standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := adminPassword(cmd)
			if err != nil {
				return err
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			acct, created, err := a.Registrar().EnsureAdmin(cmd.Context(), email, pw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "created admin %s (%s)\n", acct.Email, acct.ID)
			} else {
				fmt.Fprintf(out, "account %s already exists (%s), unchanged\n", acct.Email, acct.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func adminPassword(cmd *cobra.Command) (string, error) {
	if pw := os.Getenv(AdminPasswordEnv); pw != "" {
		return pw, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "admin password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("create-admin: empty password")
	}
	return pw, nil
}
