package main

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/database"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"github.com/samlgate/samlgate/pkg/samlgate/sso"
	"github.com/samlgate/samlgate/pkg/samlgate/tenants"
)

func main() {
	// Load configuration from the environment (and .env if present)
	opts, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logFile, err := opts.SetupLogging()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Connect to database
	if err := database.Connect(opts.DBDriver, opts.DBDSN); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	// Run auto-migrations
	if err := models.AutoMigrate(database.GetDB()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Database migrations completed")

	// Set up Gin router
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	if !opts.TrustProxyHeaders {
		if err := r.SetTrustedProxies(nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to configure proxy trust")
		}
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// Tenant administration API (disabled unless a token hash is configured)
	tenantHandler := tenants.NewHandler(database.GetDB(), opts)
	adminGroup := r.Group("/api/admin")
	adminGroup.Use(tenants.AdminAuth(opts.AdminTokenHash))
	tenantHandler.RegisterRoutes(adminGroup)

	// Tenant-scoped SAML endpoints
	ssoHandler := sso.NewHandler(database.GetDB(), opts)
	store := tenants.NewStore(database.GetDB())
	samlGroup := r.Group("/" + opts.RoutesPrefix + "/:tenant")
	samlGroup.Use(tenants.ResolveTenant(store, opts.TenantIdentifier))
	ssoHandler.RegisterRoutes(samlGroup)

	log.Info().
		Str("port", opts.Port).
		Str("prefix", opts.RoutesPrefix).
		Str("identifier", opts.TenantIdentifier).
		Msg("Starting samlgate server")
	if err := r.Run(":" + opts.Port); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
