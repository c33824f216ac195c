package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/auth"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/avatars"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/config"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/database"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/logging"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pipeline"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pluralkit"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/preferences"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/resolver"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/server"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifybridge",
		Short: "Resolves chat notification identities and avatars for a notification host",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newUsersCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Host token signing secret (overrides env)")
	cmd.PersistentFlags().String("pluralkit-base-url", defaults.GetString("pluralkit.base_url"), "Identity service base URL")
	cmd.PersistentFlags().String("avatar-backend", defaults.GetString("avatars.backend"), "Avatar cache backend (sqlite, badger)")
	cmd.PersistentFlags().String("attachments-dir", defaults.GetString("attachments.dir"), "Directory for downloaded attachments")
	cmd.PersistentFlags().Duration("deadline", defaults.GetDuration("pipeline.deadline"), "Per-notification processing deadline")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "pluralkit.base_url", "pluralkit-base-url")
	bindFlag(cmd, "avatars.backend", "avatar-backend")
	bindFlag(cmd, "attachments.dir", "attachments-dir")
	bindFlag(cmd, "pipeline.deadline", "deadline")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect stored author records",
	}
	usersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every stored author with normalized preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listUsers(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return usersCmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage host bearer tokens",
	}
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a notification host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.Context(), cmd.OutOrStdout(), subject)
		},
	}
	issueCmd.Flags().StringVar(&subject, "subject", "", "Host identifier embedded in the token")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func listUsers(ctx context.Context, out io.Writer) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, nil)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	service, err := newPreferenceService(db, zap.NewNop())
	if err != nil {
		return err
	}
	users, err := service.List(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	for _, user := range users {
		line := struct {
			UserID string                 `json:"user_id"`
			Record preferences.UserRecord `json:"record"`
		}{UserID: user.UserID, Record: user.Record}
		if err := encoder.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func issueToken(ctx context.Context, out io.Writer, subject string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(ctx, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\nexpires_in=%ds\n", token, expiresIn)
	return err
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
}

func newPreferenceService(db *gorm.DB, logger *zap.Logger) (*preferences.Service, error) {
	store, err := preferences.NewGormStore(db, time.Now)
	if err != nil {
		return nil, err
	}
	return preferences.NewService(preferences.ServiceConfig{Store: store, Logger: logger})
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	preferenceService, err := newPreferenceService(db, logger)
	if err != nil {
		return err
	}

	var avatarStore avatars.Store
	switch appConfig.AvatarBackend {
	case config.AvatarBackendBadger:
		badgerDB, err := avatars.OpenBadger(appConfig.AvatarBadgerPath)
		if err != nil {
			return err
		}
		defer badgerDB.Close()
		avatarStore = avatars.NewBadgerStore(badgerDB)
	default:
		gormStore, err := avatars.NewGormStore(db)
		if err != nil {
			return err
		}
		avatarStore = gormStore
	}

	mediaClient := &http.Client{Timeout: appConfig.AvatarRequestTimeout}
	avatarCache, err := avatars.NewCache(avatars.CacheConfig{
		Store:        avatarStore,
		Downloader:   avatars.NewHTTPDownloader(mediaClient, appConfig.AvatarMaxBytes),
		Freshness:    appConfig.AvatarFreshness,
		FetchTimeout: appConfig.AvatarRequestTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	provider, err := pluralkit.NewClient(pluralkit.ClientConfig{
		BaseURL:        appConfig.PluralKitBaseURL,
		RequestTimeout: appConfig.PluralKitRequestTimeout,
		RatePerSecond:  appConfig.PluralKitRatePerSecond,
		Burst:          appConfig.PluralKitBurst,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	engine, err := resolver.NewEngine(resolver.EngineConfig{Avatars: avatarCache, Logger: logger})
	if err != nil {
		return err
	}

	attachments, err := pipeline.NewDiskAttachments(appConfig.AttachmentsDir, mediaClient, appConfig.AttachmentsMaxBytes)
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Preferences: preferenceService,
		Resolver:    engine,
		Provider:    provider,
		Attachments: attachments,
		Deadline:    appConfig.PipelineDeadline,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var tokens server.TokenValidator
	if appConfig.AuthEnabled() {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		tokens = issuer
	} else {
		logger.Warn("auth.signing_secret not set, host requests are unauthenticated")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Pipeline:       orchestrator,
		Preferences:    preferenceService,
		Attachments:    attachments,
		Tokens:         tokens,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go attachments.RunPruner(signalCtx, appConfig.AttachmentsPruneInterval, appConfig.AttachmentsMaxAge, logger)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
