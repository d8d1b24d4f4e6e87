package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/jobkit/internal/db"
)

// exitCode ends the process with a status and no further message.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

const rootExample = `
# echo 'hello world' on demand, with the web ui on :8080
jobkit -- echo 'hello world'

# every 30 seconds, under a chosen name
jobkit -n echo --schedule='*/30 * * * *' -- echo 'hello world'

# jobs from a config file
jobkit -f jobs.yaml

# run a configured job once in the foreground
jobkit run -f jobs.yaml -p TARGET=prod deploy

# follow the current run of a job on a server
jobkit tail http://localhost:8080 deploy current`

func newRootCommand() *cobra.Command {
	root := newServeCommand("jobkit [flags] [-- command args...]", &serveOptions{})
	root.Short = "Run commands on a schedule and stream their output."
	root.Example = rootExample
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.AddCommand(
		newServeCommand("serve [flags] [-- command args...]", &serveOptions{}),
		newRunCommand(),
		newTailCommand(),
		newTopCommand(),
		newPasswordCommand("adduser", true),
		newPasswordCommand("passwd", false),
	)
	return root
}

func openDB(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var code exitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func newPasswordCommand(use string, create bool) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: "Set the password of a web ui account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPassword(cfgPath, args[0], create)
		},
	}
	if create {
		cmd.Short = "Create a web ui account"
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "f", "", "config file (json or yaml)")
	return cmd
}

// setPassword prompts for a password and creates the account, or replaces
// its password and signs out every session.
func setPassword(cfgPath, username string, create bool) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	prompt := "Password for %s: "
	if !create {
		prompt = "New password for %s: "
	}
	fmt.Printf(prompt, username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}
	if len(pw) == 0 {
		return errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	store, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if create {
		if _, err := store.CreateAccount(username, string(hash)); err != nil {
			return fmt.Errorf("creating account: %w", err)
		}
		fmt.Printf("Account created: %s\n", username)
		return nil
	}
	acc, err := store.GetAccountByUsername(username)
	if err != nil {
		return fmt.Errorf("user not found: %w", err)
	}
	if err := store.UpdateAccountPassword(acc.ID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := store.DeleteRefreshTokensByAccount(acc.ID); err != nil {
		return fmt.Errorf("invalidate sessions: %w", err)
	}
	fmt.Printf("Password updated: %s (all sessions invalidated)\n", username)
	return nil
}
