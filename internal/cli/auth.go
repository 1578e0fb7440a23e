package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tomyedwab/iotguard/session"
)

// credentialFlags are shared by login and register.
type credentialFlags struct {
	Username      string
	PasswordStdin bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Username, "username", "u", "", "Username (prompted when omitted)")
	cmd.Flags().BoolVar(&f.PasswordStdin, "password-stdin", false, "Read the password from stdin instead of prompting")
}

// promptCredentials reads the username and password. The password is read
// without echo when stdin is a terminal.
func (a *app) promptCredentials(f *credentialFlags) (username, password string, err error) {
	reader := bufio.NewReader(a.in)

	username = strings.TrimSpace(f.Username)
	if username == "" {
		fmt.Fprint(a.out, "Username: ")
		username, err = reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", "", fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(username)
	}
	if username == "" {
		return "", "", fmt.Errorf("username cannot be empty")
	}

	if stdin, ok := a.in.(*os.File); ok && !f.PasswordStdin && term.IsTerminal(int(stdin.Fd())) {
		fmt.Fprint(a.out, "Password: ")
		passwordBytes, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(a.out)
		if err != nil {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(passwordBytes)
	} else {
		password, err = reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
	}

	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return "", "", fmt.Errorf("password cannot be empty")
	}
	return username, password, nil
}

func newLoginCmd(a *app) *cobra.Command {
	flags := &credentialFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := a.promptCredentials(flags)
			if err != nil {
				return err
			}
			user, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in as %s\n", user.Username)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	flags := &credentialFlags{}
	var email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store its session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := a.promptCredentials(flags)
			if err != nil {
				return err
			}
			user, err := a.client.Register(cmd.Context(), username, password, email)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered and logged in as %s\n", user.Username)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&email, "email", "", "Optional email address")
	return cmd
}

func newWhoamiCmd(a *app) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.store.Get()
			if !s.Authenticated() {
				return fmt.Errorf("not logged in")
			}

			user := s.User
			if !offline {
				var err error
				if user, err = a.client.Me(cmd.Context()); err != nil {
					return err
				}
			}
			printUser(a.out, user)
			if exp, ok := a.store.Get().ExpiresAt(); ok {
				fmt.Fprintf(a.out, "Access token expires: %s\n", exp.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Show the stored identity without contacting the API")
	return cmd
}

func printUser(w io.Writer, user *session.User) {
	fmt.Fprintf(w, "User ID:  %d\n", user.ID)
	fmt.Fprintf(w, "Username: %s\n", user.Username)
	if user.Email != nil && *user.Email != "" {
		fmt.Fprintf(w, "Email:    %s\n", *user.Email)
	}
	if user.CreatedAt != "" {
		fmt.Fprintf(w, "Created:  %s\n", user.CreatedAt)
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func newProfileCmd(a *app) *cobra.Command {
	var email string
	var clearEmail, changePassword bool
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Change the logged-in user's email or password",
		Long: `Change the logged-in user's email or password.

The new password is read from stdin, without echo on a terminal.

Examples:
  iotguardctl profile --email operator@example.com
  iotguardctl profile --password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var emailRef *string
			switch {
			case clearEmail:
				empty := ""
				emailRef = &empty
			case cmd.Flags().Changed("email"):
				emailRef = &email
			}

			var password string
			if changePassword {
				fmt.Fprint(a.out, "New password: ")
				var err error
				if password, err = a.readPassword(); err != nil {
					return err
				}
				fmt.Fprintln(a.out)
			}

			user, err := a.client.UpdateMe(cmd.Context(), emailRef, password)
			if err != nil {
				return err
			}
			printUser(a.out, user)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "New email address")
	cmd.Flags().BoolVar(&clearEmail, "clear-email", false, "Remove the email address")
	cmd.Flags().BoolVar(&changePassword, "password", false, "Prompt for a new password")
	cmd.MarkFlagsMutuallyExclusive("email", "clear-email")
	return cmd
}

// readPassword reads one password line, hidden when stdin is a terminal.
func (a *app) readPassword() (string, error) {
	if stdin, ok := a.in.(*os.File); ok && term.IsTerminal(int(stdin.Fd())) {
		passwordBytes, err := term.ReadPassword(int(stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(passwordBytes), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}
