package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/auth"
	"github.com/MarcoPoloResearchLab/framemark/internal/config"
	"github.com/MarcoPoloResearchLab/framemark/internal/database"
	"github.com/MarcoPoloResearchLab/framemark/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string

	errResetNotConfirmed = errors.New("migrate --reset drops every annotation and user table; pass --yes to confirm")
	errAuthDisabled      = errors.New("auth.signing_secret is not set; tokens are not required")
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "framemark",
		Short:         "Local-first video annotation store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Refresh local users from the remote directory once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSync(cmd.Context(), cmd)
			},
		},
		newMigrateCommand(),
		newTokenCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Rotated log file (stderr only when empty)")
	flags.String("directory-url", defaults.GetString("directory.base_url"), "Remote user directory base URL")
	flags.Int("throttle-ms", defaults.GetInt("playback.throttle_ms"), "Minimum interval between active-stroke lookups")
	flags.String("signing-secret", "", "Session token signing secret (enables auth)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "directory.base_url", "directory-url")
	bindFlag(cmd, "playback.throttle_ms", "throttle-ms")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func newMigrateCommand() *cobra.Command {
	var reset, confirmed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations, or reset the schema with --reset --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset && !confirmed {
				return errResetNotConfirmed
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if reset {
				if err := database.ResetSchema(cmd.Context(), app.store); err != nil {
					return err
				}
				app.reconciler.Forget()
			}
			version, err := database.SchemaVersion(cmd.Context(), app.store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop and recreate the annotation and user tables")
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm a destructive reset")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API session token for a local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if app.tokens == nil {
				return errAuthDisabled
			}

			user, err := app.users.GetByID(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("local user %q not found", userID)
			}
			token, expiresAt, err := app.tokens.Issue(user.ID, user.Name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			app.logger.Info("session token issued",
				zap.String("user_id", user.ID),
				zap.Time("expires_at", expiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Local user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	state, err := app.orchestrator.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, user := range state.Users {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Name, user.Email)
	}
	if state.Offline {
		return fmt.Errorf("remote directory unavailable: %s", state.Error)
	}
	return nil
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var validator server.SessionValidator
	if app.config.AuthEnabled() {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(app.config.SigningSecret),
			CookieName:    app.config.SessionCookieName,
		})
		if err != nil {
			return err
		}
		validator = sessionValidator
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator: app.orchestrator,
		Users:        app.users,
		Reconciler:   app.reconciler,
		Annotations:  app.annotations,
		Playback:     app.playback,
		Realtime:     app.realtime,
		Sessions:     validator,
		Metrics:      app.metrics,
		Logger:       app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if _, err := app.orchestrator.Activate(ctx); err != nil {
			app.logger.Warn("initial user sync failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.Bool("auth_enabled", validator != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		app.logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
