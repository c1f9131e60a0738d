package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/avixar/identity/internal/authcache"
	"github.com/avixar/identity/internal/connect"
	"github.com/avixar/identity/internal/connectpg"
	"github.com/avixar/identity/internal/credstore"
	"github.com/avixar/identity/internal/cryptokit"
	"github.com/avixar/identity/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleVerifier = func(ctx context.Context, webClientID string) (*connect.GoogleVerifier, error) {
	return connect.BuildGoogleVerifier(ctx, webClientID)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "identity",
		Short:   "Identity provider with an authorization-code flow and an encrypted credential store",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for the credential store (postgres:// or sqlite://)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the ephemeral auth cache; empty for in-process cache")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("encryption_key", "", "Base64 32-byte AES-256 key for field encryption")
	rootCmd.Flags().String("blind_index_key", "", "Base64 key for the email blind index; must differ from the encryption key")
	rootCmd.Flags().String("token_issuer", "avixar-identity", "iss claim for minted tokens")
	rootCmd.Flags().String("token_audience", "avixar-api", "aud claim for minted tokens")
	rootCmd.Flags().Duration("access_token_ttl", connect.DefaultAccessTokenTTL, "Access token TTL")
	rootCmd.Flags().Duration("auth_code_ttl", connect.DefaultAuthCodeTTL, "Authorization code TTL")
	rootCmd.Flags().Int("bcrypt_cost", cryptokit.DefaultPasswordCost, "bcrypt cost for password hashing")
	rootCmd.Flags().String("clients_file", "", "JSON clients file; empty to serve clients from the database")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables social login")
	rootCmd.Flags().String("cookie_domain", "", "Session cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, name := range []string{
		"listen_addr", "database_url", "redis_url", "jwt_signing_key",
		"encryption_key", "blind_index_key", "token_issuer", "token_audience",
		"access_token_ttl", "auth_code_ttl", "bcrypt_cost", "clients_file",
		"google_web_client_id", "cookie_domain", "dev_insecure_http",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newProvisionCommand())

	return rootCmd
}

const (
	configCodeMissingDatabaseURL  = "config.missing_database_url"
	configCodeMissingJWTKey       = "config.missing_jwt_signing_key"
	configCodeBadEncryptionKey    = "config.invalid_encryption_key"
	configCodeBadBlindIndexKey    = "config.invalid_blind_index_key"
	configCodeKeyReuse            = "config.key_reuse"
	configCodeInvalidTokenTTL     = "config.invalid_access_token_ttl"
	configCodeInvalidCodeTTL      = "config.invalid_auth_code_ttl"
	configCodeUninitializedConfig = "config.uninitialized_server_config"
	configCodeGoogleVerifierInit  = "config.google_verifier_init"
)

type serverConfig struct {
	ListenAddr         string
	DatabaseURL        string
	RedisURL           string
	ClientsFile        string
	EncryptionKey      []byte
	BlindIndexKey      []byte
	BcryptCost         int
	EnableCORS         bool
	CORSAllowedOrigins []string
	Connect            connect.Config
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := loadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, configuration))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// loadServerConfig reads and validates configuration. Everything secret or
// structural fails closed: the server refuses to start rather than run with a
// missing key or a reused one.
func loadServerConfig() (serverConfig, error) {
	databaseURL := viper.GetString("database_url")
	if strings.TrimSpace(databaseURL) == "" {
		return serverConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return serverConfig{}, configError(configCodeMissingJWTKey, "jwt_signing_key must be provided")
	}

	encryptionKey, encryptionErr := cryptokit.KeyFromBase64(viper.GetString("encryption_key"))
	if encryptionErr != nil {
		return serverConfig{}, configError(configCodeBadEncryptionKey, encryptionErr.Error())
	}
	blindIndexKey, blindErr := cryptokit.KeyFromBase64(viper.GetString("blind_index_key"))
	if blindErr != nil {
		return serverConfig{}, configError(configCodeBadBlindIndexKey, blindErr.Error())
	}
	if viper.GetString("encryption_key") == viper.GetString("blind_index_key") {
		return serverConfig{}, configError(configCodeKeyReuse, "blind_index_key must differ from encryption_key")
	}

	accessTokenTTL := viper.GetDuration("access_token_ttl")
	if accessTokenTTL <= 0 {
		return serverConfig{}, configError(configCodeInvalidTokenTTL, "access_token_ttl must be greater than zero")
	}
	authCodeTTL := viper.GetDuration("auth_code_ttl")
	if authCodeTTL <= 0 {
		return serverConfig{}, configError(configCodeInvalidCodeTTL, "auth_code_ttl must be greater than zero")
	}

	return serverConfig{
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		RedisURL:           viper.GetString("redis_url"),
		ClientsFile:        viper.GetString("clients_file"),
		EncryptionKey:      encryptionKey,
		BlindIndexKey:      blindIndexKey,
		BcryptCost:         viper.GetInt("bcrypt_cost"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		Connect: connect.Config{
			Issuer:            viper.GetString("token_issuer"),
			Audience:          viper.GetString("token_audience"),
			SigningKey:        []byte(jwtSigningKey),
			AccessTokenTTL:    accessTokenTTL,
			AuthCodeTTL:       authCodeTTL,
			CookieDomain:      viper.GetString("cookie_domain"),
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
			GoogleWebClientID: viper.GetString("google_web_client_id"),
		}.WithDefaults(),
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
	configuration, ok := contextValue.(serverConfig)
	if !ok {
		return configError(configCodeUninitializedConfig, "server configuration not prepared; PreRunE must execute before RunE")
	}
	if commandContext == nil {
		commandContext = context.Background()
	}

	fieldCipher, cipherErr := cryptokit.NewFieldCipher(configuration.EncryptionKey)
	if cipherErr != nil {
		return cipherErr
	}
	blindIndexer, indexerErr := cryptokit.NewBlindIndexer(configuration.BlindIndexKey)
	if indexerErr != nil {
		return indexerErr
	}

	store, storeErr := credstore.Open(commandContext, configuration.DatabaseURL, credstore.Options{
		FieldCipher:  fieldCipher,
		BlindIndexer: blindIndexer,
		PasswordCost: configuration.BcryptCost,
		Logger:       logger,
	})
	if storeErr != nil {
		return storeErr
	}
	logger.Info("credential store ready", zap.String("driver", store.Driver()))

	var cache authcache.Cache
	if configuration.RedisURL != "" {
		redisClient, redisErr := authcache.DialRedis(commandContext, configuration.RedisURL)
		if redisErr != nil {
			return redisErr
		}
		cache = authcache.NewRedisCache(redisClient)
		logger.Info("using redis auth cache")
	} else {
		cache = authcache.NewMemoryCache()
		logger.Info("using in-memory auth cache")
	}

	var clientSource connect.ClientSource = store
	if configuration.ClientsFile != "" {
		clients, clientsErr := connect.LoadClientsFile(configuration.ClientsFile)
		if clientsErr != nil {
			return clientsErr
		}
		clientSource = connect.NewStaticClientSource(clients)
		logger.Info("serving clients from file", zap.Int("count", len(clients)))
	}
	registry := connect.NewRegistry(clientSource)

	connectConfig := configuration.Connect
	connectConfig.SameSiteMode = http.SameSiteStrictMode
	if configuration.EnableCORS {
		connectConfig.SameSiteMode = http.SameSiteNoneMode
	}

	clock := connect.SystemClock{}
	issuer, issuerErr := connect.NewTokenIssuer(
		connectConfig.SigningKey, connectConfig.Issuer, connectConfig.Audience,
		connectConfig.AccessTokenTTL, clock)
	if issuerErr != nil {
		return issuerErr
	}

	var googleVerifier *connect.GoogleVerifier
	if connectConfig.GoogleWebClientID != "" {
		verifier, verifierErr := buildGoogleVerifier(commandContext, connectConfig.GoogleWebClientID)
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleVerifierInit, verifierErr)
		}
		googleVerifier = verifier
	}

	metricsRecorder := connect.NewCounterMetrics()
	service := connect.NewService(registry, cache, store, issuer, connectConfig.AuthCodeTTL, clock, metricsRecorder, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if configuration.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	connect.MountConnectRoutes(router, connect.RouterDeps{
		Config:        connectConfig,
		Service:       service,
		Issuer:        issuer,
		Verifications: connect.NewVerificationTokens(cache, store, connectConfig.VerificationTokenTTL, clock),
		OTP:           connect.NewOTPService(cache, connectConfig.OTPTTL, connectConfig.OTPMaxAttempts, clock),
		Google:        googleVerifier,
		Log:           logger,
	})

	server := &http.Server{
		Addr:              configuration.ListenAddr,
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

	logger.Info("listening", zap.String("addr", configuration.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// newProvisionCommand bootstraps a Postgres deployment out of band: it creates
// the schema and upserts the provisioned clients. The serving path never
// writes to the clients table.
func newProvisionCommand() *cobra.Command {
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the Postgres schema and seed client registrations",
		RunE: func(command *cobra.Command, arguments []string) error {
			databaseURL := viper.GetString("database_url")
			if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
				return configError(configCodeMissingDatabaseURL, "provision requires a postgres:// database_url")
			}
			ctx := command.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, poolErr := connectpg.BuildPool(ctx, databaseURL)
			if poolErr != nil {
				return poolErr
			}
			defer pool.Close()
			if schemaErr := connectpg.EnsureSchema(ctx, pool); schemaErr != nil {
				return schemaErr
			}
			clientsFile := viper.GetString("clients_file")
			if clientsFile == "" {
				return nil
			}
			clients, clientsErr := connect.LoadClientsFile(clientsFile)
			if clientsErr != nil {
				return clientsErr
			}
			return connectpg.SeedClients(ctx, pool, clients)
		},
	}
	return provisionCmd
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
