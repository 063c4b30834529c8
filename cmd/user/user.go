// Package user provides the commands that manage recording owners.
package user

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tphakala/birdnet-census/internal/app"
	"github.com/tphakala/birdnet-census/internal/conf"
)

// Command creates the user command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(createCommand(settings))
	return cmd
}

func createCommand(settings *conf.Settings) *cobra.Command {
	var (
		email     string
		password  string
		fullName  string
		superuser bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long: `Create a user that recordings can be attributed to. Without --password
the password is read from the terminal, or from the first line of stdin
when stdin is not a terminal.`,
		Example: `  census user create --email ops@example.org --superuser`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var err error
				password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var name *string
			if fullName != "" {
				name = &fullName
			}
			u, err := a.Users.Create(cmd.Context(), email, password, name, superuser)
			if err != nil {
				return err
			}
			role := "user"
			if u.IsSuperuser {
				role = "superuser"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s %d <%s>\n", role, u.ID, u.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password, at least 8 characters")
	cmd.Flags().StringVar(&fullName, "name", "", "Full name")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "Grant superuser rights")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd())) //nolint:gosec // fd fits in int
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
