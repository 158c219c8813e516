package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options holds the process-wide gateway configuration. Everything is read
// from the environment (a .env file is honored when present) so the service
// stays stateless across horizontally scaled instances.
type Options struct {
	// Debug enables debug-level flow logging (request/response ids and raw
	// SAML XML at login and ACS time).
	Debug bool

	// LogFile, when set, receives the log stream instead of stderr.
	LogFile string

	// Port the HTTP server listens on.
	Port string

	// BaseURL is the externally visible scheme://host[:port] of this SP,
	// used to construct tenant-scoped route URLs.
	BaseURL string

	// RoutesPrefix is the path prefix for the SAML endpoints.
	RoutesPrefix string

	// TenantIdentifier selects which tenant field the {tenant} route segment
	// resolves against: "id", "key" or "uuid". This is a process-wide choice,
	// never per-request.
	TenantIdentifier string

	// LoginRoute, LogoutRoute and ErrorRoute are the default post-login,
	// post-logout and authentication-failure redirect targets.
	LoginRoute  string
	LogoutRoute string
	ErrorRoute  string

	// ExpiryMinutes bounds how long an issued login request stays redeemable.
	ExpiryMinutes int

	// TrustProxyHeaders controls whether proxy forwarding headers are
	// honored by the router.
	TrustProxyHeaders bool

	// RetrieveParamsFromServer validates redirect-binding logout signatures
	// against the raw request query instead of re-encoded parameters.
	RetrieveParamsFromServer bool

	// RequireSignedLogout rejects inbound redirect-bound LogoutRequests
	// that carry no query signature. Signed requests are always verified;
	// this flag additionally forbids unsigned ones.
	RequireSignedLogout bool

	// SPEntityID, SPACSURL and SPSLOURL override the computed tenant-scoped
	// defaults when set. The IdP side of the configuration always comes from
	// the tenant record and cannot be overridden here.
	SPEntityID string
	SPACSURL   string
	SPSLOURL   string

	// SPCertFile/SPKeyFile hold the SP signing key pair (PEM). Optional;
	// without them outbound messages are unsigned.
	SPCertFile string
	SPKeyFile  string

	// SignOutbound requests signing of outbound requests/responses when a
	// key pair is configured.
	SignOutbound bool

	// SessionSecret signs the sign-in session token issued after a
	// successful ACS exchange.
	SessionSecret string

	// AdminTokenHash is the bcrypt hash of the tenant-administration API
	// token. When empty the admin API is disabled.
	AdminTokenHash string

	DBDriver string
	DBDSN    string
}

// Load reads the configuration from the environment, applying defaults and
// validating the result. A missing .env file is not an error.
func Load() (*Options, error) {
	_ = godotenv.Load()

	o := &Options{
		Debug:                    envBool("SAMLGATE_DEBUG", false),
		LogFile:                  os.Getenv("SAMLGATE_LOG_FILE"),
		Port:                     os.Getenv("PORT"),
		BaseURL:                  os.Getenv("SAMLGATE_BASE_URL"),
		RoutesPrefix:             os.Getenv("SAMLGATE_ROUTES_PREFIX"),
		TenantIdentifier:         os.Getenv("SAMLGATE_TENANT_IDENTIFIER"),
		LoginRoute:               os.Getenv("SAMLGATE_LOGIN_ROUTE"),
		LogoutRoute:              os.Getenv("SAMLGATE_LOGOUT_ROUTE"),
		ErrorRoute:               os.Getenv("SAMLGATE_ERROR_ROUTE"),
		ExpiryMinutes:            envInt("SAMLGATE_EXPIRY_MINUTES", 0),
		TrustProxyHeaders:        envBool("SAMLGATE_TRUST_PROXY_HEADERS", false),
		RetrieveParamsFromServer: envBool("SAMLGATE_SLO_PARAMS_FROM_SERVER", false),
		RequireSignedLogout:      envBool("SAMLGATE_SLO_REQUIRE_SIGNED", false),
		SPEntityID:               os.Getenv("SAMLGATE_SP_ENTITY_ID"),
		SPACSURL:                 os.Getenv("SAMLGATE_SP_ACS_URL"),
		SPSLOURL:                 os.Getenv("SAMLGATE_SP_SLO_URL"),
		SPCertFile:               os.Getenv("SAMLGATE_SP_CERT_FILE"),
		SPKeyFile:                os.Getenv("SAMLGATE_SP_KEY_FILE"),
		SignOutbound:             envBool("SAMLGATE_SIGN_OUTBOUND", false),
		SessionSecret:            os.Getenv("SAMLGATE_SESSION_SECRET"),
		AdminTokenHash:           os.Getenv("SAMLGATE_ADMIN_TOKEN_HASH"),
		DBDriver:                 os.Getenv("SAMLGATE_DB_DRIVER"),
		DBDSN:                    os.Getenv("SAMLGATE_DB_DSN"),
	}

	o.SetDefaults()

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// SetDefaults fills unset fields with their defaults.
func (o *Options) SetDefaults() {
	if o.Port == "" {
		o.Port = "8080"
	}
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:" + o.Port
	}
	if o.RoutesPrefix == "" {
		o.RoutesPrefix = "saml2"
	}
	if o.TenantIdentifier == "" {
		o.TenantIdentifier = "uuid"
	}
	if o.LoginRoute == "" {
		o.LoginRoute = "/"
	}
	if o.LogoutRoute == "" {
		o.LogoutRoute = "/"
	}
	if o.ErrorRoute == "" {
		o.ErrorRoute = "/auth/error"
	}
	if o.ExpiryMinutes <= 0 {
		o.ExpiryMinutes = 60
	}
	if o.DBDriver == "" {
		o.DBDriver = "sqlite"
	}
	if o.DBDSN == "" && o.DBDriver == "sqlite" {
		o.DBDSN = "samlgate.db"
	}
}

// Validate rejects configurations the gateway cannot run with. These are
// deployment errors, surfaced at boot rather than per request.
func (o *Options) Validate() error {
	switch o.TenantIdentifier {
	case "id", "key", "uuid":
	default:
		return fmt.Errorf("invalid tenant identifier field %q: must be one of id, key, uuid", o.TenantIdentifier)
	}

	if o.SPCertFile != "" && o.SPKeyFile == "" {
		return fmt.Errorf("SP cert file specified but key file is missing")
	}
	if o.SPKeyFile != "" && o.SPCertFile == "" {
		return fmt.Errorf("SP key file specified but cert file is missing")
	}
	if o.SignOutbound && o.SPKeyFile == "" {
		return fmt.Errorf("outbound signing requires an SP key pair")
	}

	if o.DBDriver == "postgres" && o.DBDSN == "" {
		return fmt.Errorf("postgres driver requires SAMLGATE_DB_DSN")
	}

	return nil
}

// SetupLogging configures the global zerolog logger according to the
// options. Returns the file handle when logging to a file, so the caller can
// close it on shutdown.
func (o *Options) SetupLogging() (*os.File, error) {
	level := zerolog.InfoLevel
	if o.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if o.LogFile == "" {
		return nil, nil
	}

	f, err := os.OpenFile(o.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}
	log.Logger = log.Output(f)
	return f, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
