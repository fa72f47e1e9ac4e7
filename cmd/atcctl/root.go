package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/booali/atc-api/internal/config"
	"github.com/booali/atc-api/internal/database"
	"github.com/booali/atc-api/internal/services"
	"github.com/booali/atc-api/internal/utils"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is opened lazily so that help and flag errors never touch the database
type app struct {
	db      *sqlx.DB
	logger  zerolog.Logger
	users   *services.UserService
	ledger  *services.LedgerService
	envFile string
}

func (a *app) open() error {
	if a.db != nil {
		return nil
	}
	_ = godotenv.Load(a.envFile)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.logger = utils.NewLogger(cfg.Environment)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return err
	}
	a.db = db
	a.users = services.NewUserService(db, nil, a.logger)
	a.ledger = services.NewLedgerService(db, a.logger)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "atcctl",
		Short:         "Admin tooling for the ATC backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	cmd.AddCommand(
		newAddCreditsCommand(a),
		newSetCreditsCommand(a),
		newVerifyUserCommand(a),
		newChangePasswordCommand(a),
		newFindUsersCommand(a),
		newMigrateCommand(a),
	)
	return cmd
}

// lookup resolves an email to a user, reporting missing accounts plainly
func (a *app) lookup(ctx context.Context, email string) (string, error) {
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("user %s: %s", email, services.Message(err, "lookup failed"))
	}
	return user.ID, nil
}

func newAddCreditsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add-credits <email> <amount>",
		Short: "Grant or remove credits (negative amounts subtract)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			userID, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			balance, err := a.ledger.Adjust(ctx, userID, amount)
			if err != nil {
				return fmt.Errorf("add credits: %s", services.Message(err, err.Error()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d credits\n", args[0], balance)
			return nil
		},
	}
}

func newSetCreditsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-credits <email> <balance>",
		Short: "Set a user's credit balance to an exact value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid balance %q", args[1])
			}
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			userID, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.ledger.SetBalance(ctx, userID, balance); err != nil {
				return fmt.Errorf("set credits: %s", services.Message(err, err.Error()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d credits\n", args[0], balance)
			return nil
		},
	}
}

func newVerifyUserCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-user <email>",
		Short: "Mark an account as email-verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			userID, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.users.MarkVerified(ctx, userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s verified\n", args[0])
			return nil
		},
	}
}

func newChangePasswordCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "change-password <email> <new-password>",
		Short: "Reset a user's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			userID, err := a.lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.users.SetPassword(ctx, userID, args[1]); err != nil {
				return fmt.Errorf("change password: %s", services.Message(err, err.Error()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		},
	}
}

func newFindUsersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "find-users <query>",
		Short: "Search users by email, name or phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			users, err := a.users.FindUsers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([]userRow, 0, len(users))
			for _, u := range users {
				rows = append(rows, userRow{ID: u.ID, Email: u.Email, Name: u.Name, Provider: u.AuthProvider, Verified: u.IsVerified, Credits: u.Credits})
			}
			return printUsers(cmd.OutOrStdout(), rows)
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			if err := database.RunMigrations(a.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

type userRow struct {
	ID       string
	Email    string
	Name     string
	Provider string
	Verified bool
	Credits  int
}

func printUsers(out io.Writer, rows []userRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no users found")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tPROVIDER\tVERIFIED\tCREDITS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n", r.ID, r.Email, r.Name, r.Provider, r.Verified, r.Credits)
	}
	return w.Flush()
}
