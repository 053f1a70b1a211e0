package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/focusnook/internal/authkit"
	"github.com/tyemirov/focusnook/internal/drivestore"
	"github.com/tyemirov/focusnook/internal/web"
	"github.com/tyemirov/focusnook/pkg/session"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildProvider = func(ctx context.Context, configuration authkit.GoogleProviderConfig) (authkit.OAuthProvider, error) {
	return authkit.NewGoogleProvider(ctx, configuration)
}

var buildDriveFactory = func() drivestore.FileClientFactory {
	return drivestore.GoogleDriveFactory()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "focusnook",
		Short:   "focusnook storage server: Google sign-in, signed sessions, and a per-user Drive document",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("session_secret", "", "HMAC secret for session credentials and OAuth state")
	rootCmd.Flags().Duration("session_ttl", session.DefaultTTL, "Session lifetime")
	rootCmd.Flags().Duration("state_ttl", 10*time.Minute, "OAuth state lifetime")
	rootCmd.Flags().String("public_base_url", "", "External server URL used for the OAuth callback; derived from the request when empty")
	rootCmd.Flags().String("app_base_url", "", "Where the browser lands after sign-in; the server root when empty")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "User record store (empty for memory, sqlite://, postgres://, dynamodb://table)")
	rootCmd.Flags().String("kms_key_id", "", "AWS KMS key used to encrypt refresh tokens at rest")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for clients served from another origin")
	rootCmd.Flags().Bool("cross_site_cookies", false, "Mark auth cookies SameSite=None for an app on a different site (requires HTTPS)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("token_cache_size", 1024, "Maximum cached access tokens")
	rootCmd.Flags().String("drive_file_name", drivestore.DefaultFileName, "Name of the per-user document in Drive")
	rootCmd.Flags().String("metrics_token", "", "Bearer token guarding /metrics; the endpoint is not served when empty")

	for _, name := range []string{
		"listen_addr", "google_client_id", "google_client_secret", "session_secret",
		"session_ttl", "state_ttl", "public_base_url", "app_base_url", "cookie_domain",
		"dev_insecure_http", "database_url", "kms_key_id", "enable_cors", "cross_site_cookies",
		"cors_allowed_origins", "token_cache_size", "drive_file_name", "metrics_token",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newBackupCommand())
	return rootCmd
}

const (
	sessionCookieName = "focusnook_session"
	stateCookieName   = "focusnook_oauth_state"

	configCodeMissingGoogleClientID     = "config.missing_google_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_client_secret"
	configCodeMissingSessionSecret      = "config.missing_session_secret"
	configCodeInvalidSessionTTL         = "config.invalid_session_ttl"
	configCodeInvalidStateTTL           = "config.invalid_state_ttl"
	configCodeInvalidTokenCacheSize     = "config.invalid_token_cache_size"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeProviderInit              = "config.oauth_provider_init"
	configCodeUserStoreInit             = "config.user_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	_ = godotenv.Load()
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}

	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientSecret, "google_client_secret must be provided")
	}

	sessionSecret := viper.GetString("session_secret")
	if sessionSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingSessionSecret, "session_secret must be provided")
	}

	sessionTTL := session.DefaultTTL
	if viper.IsSet("session_ttl") {
		sessionTTL = viper.GetDuration("session_ttl")
	}
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	stateTTL := 10 * time.Minute
	if viper.IsSet("state_ttl") {
		stateTTL = viper.GetDuration("state_ttl")
	}
	if stateTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	if viper.IsSet("token_cache_size") && viper.GetInt("token_cache_size") <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidTokenCacheSize, "token_cache_size must be greater than zero")
	}

	return authkit.ServerConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		SessionSigningKey:  []byte(sessionSecret),
		SessionCookieName:  sessionCookieName,
		StateCookieName:    stateCookieName,
		SessionTTL:         sessionTTL,
		StateTTL:           stateTTL,
		PublicBaseURL:      viper.GetString("public_base_url"),
		AppBaseURL:         viper.GetString("app_base_url"),
		CookieDomain:       viper.GetString("cookie_domain"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = web.CookieSameSite(viper.GetBool("cross_site_cookies"))

	router, buildErr := buildRouter(commandContext, serverConfig, routerOptions{
		Logger:             logger,
		DatabaseURL:        viper.GetString("database_url"),
		KMSKeyID:           viper.GetString("kms_key_id"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		TokenCacheSize:     viper.GetInt("token_cache_size"),
		DriveFileName:      viper.GetString("drive_file_name"),
		MetricsToken:       viper.GetString("metrics_token"),
	})
	if buildErr != nil {
		return buildErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

type routerOptions struct {
	Logger             *zap.Logger
	DatabaseURL        string
	KMSKeyID           string
	EnableCORS         bool
	CORSAllowedOrigins []string
	TokenCacheSize     int
	DriveFileName      string
	MetricsToken       string
}

// buildRouter wires the auth routes, the Drive document endpoints, and the
// operational endpoints onto one gin engine.
func buildRouter(ctx context.Context, serverConfig authkit.ServerConfig, options routerOptions) (*gin.Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(logger))

	if options.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, options.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := authkit.NewSystemClock()
	metrics := authkit.NewCounterMetrics()

	users, storeLabel, storeErr := authkit.OpenUserStore(ctx, options.DatabaseURL, options.KMSKeyID, clock)
	if storeErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeUserStoreInit, storeErr)
	}
	logger.Info("user store ready", zap.String("code", "startup.user_store"), zap.String("driver", storeLabel))

	provider, providerErr := buildProvider(ctx, authkit.GoogleProviderConfig{
		ClientID:     serverConfig.GoogleClientID,
		ClientSecret: serverConfig.GoogleClientSecret,
	})
	if providerErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeProviderInit, providerErr)
	}

	credentials, credentialsErr := authkit.NewCredentialManager(authkit.CredentialManagerConfig{
		Provider: provider,
		Users:    users,
		Cache:    authkit.NewTokenCache(clock, options.TokenCacheSize),
		Logger:   logger,
		Metrics:  metrics,
	})
	if credentialsErr != nil {
		return nil, credentialsErr
	}

	sessions, sessionErr := newSessionManager(serverConfig)
	if sessionErr != nil {
		return nil, sessionErr
	}

	documents, documentsErr := drivestore.New(drivestore.Config{
		Tokens:   credentials,
		Users:    users,
		Files:    buildDriveFactory(),
		FileName: options.DriveFileName,
		Logger:   logger,
		Metrics:  metrics,
	})
	if documentsErr != nil {
		return nil, documentsErr
	}

	authkit.MountAuthRoutes(router, authkit.AuthRoutes{
		Config:      serverConfig,
		Sessions:    sessions,
		Provider:    provider,
		Credentials: credentials,
		Users:       users,
		Nonces:      authkit.NewMemoryNonceStore(serverConfig.StateTTL, clock),
		Logger:      logger,
		Metrics:     metrics,
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(sessions))
	protected.GET("/drive/data", web.HandleLoadDocument(logger, documents))
	protected.POST("/drive/data", web.HandleSaveDocument(logger, documents))

	router.GET("/healthz", web.HandleHealth)
	if options.MetricsToken != "" {
		router.GET("/metrics", web.RequireBearerToken(options.MetricsToken), web.HandleMetrics(metrics))
	}
	return router, nil
}

func newSessionManager(serverConfig authkit.ServerConfig) (*session.Manager, error) {
	return session.New(session.Config{
		SigningKey: serverConfig.SessionSigningKey,
		CookieName: serverConfig.SessionCookieName,
		TTL:        serverConfig.SessionTTL,
	})
}
