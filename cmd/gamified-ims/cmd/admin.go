package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/internal/util"
	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/users"
)

var (
	adminUsername string
	adminEmail    string
	adminPassword string

	resetNewYear int
	resetActor   string
)

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an approved admin account",
	Long: `Creates an approved admin account directly in storage. When --password is
omitted a password is generated and printed once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, logCloser, err := loadConfig()
		if err != nil {
			return err
		}
		defer logCloser.Close()
		app, err := openApp(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer app.Close()

		password := adminPassword
		if password == "" {
			if password, err = util.RandomChars(16); err != nil {
				return err
			}
		}
		u, err := app.users.Create(cmd.Context(), users.NewUser{
			Username: adminUsername,
			Email:    adminEmail,
			Password: password,
			Role:     users.RoleAdmin,
			Approved: true,
		})
		if err != nil {
			return err
		}
		app.recorder.Record(cmd.Context(), u.ID, activity.AccountApprovedDetails{
			TargetUserID:      u.ID,
			TargetUsername:    u.Username,
			PasswordGenerated: adminPassword == "",
		}, activity.Origin{UserAgent: "gamified-ims cli"})

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created admin %s (%s)\n", u.Username, u.ID)
		if adminPassword == "" {
			fmt.Fprintf(out, "Generated password: %s\n", password)
		}
		return nil
	},
}

var resetYearCmd = &cobra.Command{
	Use:   "reset-training-year",
	Short: "Archive progress and open a new training year",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, logCloser, err := loadConfig()
		if err != nil {
			return err
		}
		defer logCloser.Close()
		app, err := openApp(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer app.Close()

		actor, err := app.users.GetByUsername(cmd.Context(), resetActor)
		if err != nil {
			return fmt.Errorf("resolving actor %q: %w", resetActor, err)
		}
		if actor.Role != users.RoleAdmin {
			return fmt.Errorf("actor %q is not an admin", resetActor)
		}
		res, err := app.training.Reset(cmd.Context(), resetNewYear, actor.ID, activity.Origin{UserAgent: "gamified-ims cli"})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Training year %d -> %d: %d users archived, %d already archived, %d badges deactivated\n",
			res.OldYear, res.NewYear, res.ArchivedUsers, res.AlreadyArchived, res.BadgesDeactivated)
		return nil
	},
}

var sweepSessionsCmd = &cobra.Command{
	Use:   "sweep-sessions",
	Short: "Delete expired and long-inactive sessions once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, logCloser, err := loadConfig()
		if err != nil {
			return err
		}
		defer logCloser.Close()
		app, err := openApp(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer app.Close()

		s := &session.Sweeper{
			Registry: app.sessions,
			Locker:   app.locker,
			Timeout:  cfg.Sessions.SweepTimeout,
			Logger:   logger,
		}
		n, err := s.RunOnce(cmd.Context())
		if errors.Is(err, lock.ErrHeld) {
			return errors.New("another instance is sweeping; try again later")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d sessions\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createAdminCmd, resetYearCmd, sweepSessionsCmd)

	createAdminCmd.Flags().StringVar(&adminUsername, "username", "", "Admin username")
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "Admin email address")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "Admin password (generated when empty)")
	createAdminCmd.MarkFlagRequired("username")
	createAdminCmd.MarkFlagRequired("email")

	resetYearCmd.Flags().IntVar(&resetNewYear, "new-year", 0, "The training year to open")
	resetYearCmd.Flags().StringVar(&resetActor, "actor", "", "Username of the admin performing the reset")
	resetYearCmd.MarkFlagRequired("new-year")
	resetYearCmd.MarkFlagRequired("actor")
}
