package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/config"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/database"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/server"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/users"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quorum-api",
		Short: "Quorum collaborative workspace backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for chat history (empty disables history)")
	cmd.PersistentFlags().Duration("save-delay", defaults.GetDuration("collab.save_delay"), "Quiet period before a live edit is saved")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "collab.save_delay", "save-delay")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	workspaceService, err := workspaces.NewService(workspaces.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	chatBuffer, closeChat := chat.Connect(ctx, appConfig.RedisURL, chat.RedisBufferConfig{
		Capacity: appConfig.Collab.ChatCapacity,
		Logger:   logger,
	})
	defer closeChat() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := collab.NewEngine(collab.EngineConfig{
		Store:          notesService,
		Authorizer:     workspaceService,
		Chat:           chatBuffer,
		SaveDelay:      appConfig.Collab.SaveDelay,
		SaveWorkers:    appConfig.Collab.SaveWorkers,
		SaveRetries:    appConfig.Collab.SaveRetries,
		HistoryLimit:   appConfig.Collab.HistoryLimit,
		OutboundBuffer: appConfig.Collab.OutboundBuffer,
		ChatTimeout:    appConfig.Collab.ChatTimeout,
		Logger:         logger,
		Metrics:        collab.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	var identity server.IdentityVerifier
	if appConfig.Identity.Enabled() {
		verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
			Provider:       appConfig.Identity.Provider,
			Audience:       appConfig.Identity.Audience,
			JWKSURL:        appConfig.Identity.JWKSURL,
			AllowedIssuers: appConfig.Identity.Issuers,
			HTTPClient:     &http.Client{Timeout: 10 * time.Second},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		identity = verifier
		logger.Info("identity token exchange enabled",
			zap.String("provider", verifier.Provider()),
			zap.String("jwks_url", appConfig.Identity.JWKSURL))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessionValidator,
		Engine:     engine,
		Workspaces: workspaceService,
		Notes:      notesService,
		Users:      userService,
		Identity:   identity,
		Tokens:     tokenIssuer,
		Gatherer:   registry,
		WebSocket: server.WebSocketConfig{
			MessagesPerSecond: appConfig.WebSocket.MessagesPerSecond,
			Burst:             appConfig.WebSocket.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to drain collaboration engine", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func() error, error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB.Close, nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject     string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Register a local user and mint a session token for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB() //nolint:errcheck

			userService, err := users.NewService(users.ServiceConfig{
				Database:   db,
				IDProvider: notes.NewUUIDProvider(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			user, err := userService.ResolveUser(cmd.Context(), users.Profile{
				Provider:    users.ProviderLocal,
				Subject:     subject,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}

			if ttl <= 0 {
				ttl = appConfig.TokenTTL
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), auth.Principal{
				UserID:      user.ID,
				Email:       user.Email,
				DisplayName: user.DisplayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires at %s\n", user.ID, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Local account name; the same subject always maps to the same user")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
