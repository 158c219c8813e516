package sso

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/ledger"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"github.com/samlgate/samlgate/pkg/samlgate/tenants"
	"gorm.io/gorm"
)

// sessionTTL bounds how long an issued session cookie stays valid.
const sessionTTL = 8 * time.Hour

// Handler serves the tenant-scoped SAML endpoints.
type Handler struct {
	opts *config.Options
	orch *Orchestrator
}

// NewHandler creates the SAML flow handler with the production toolkit.
func NewHandler(db *gorm.DB, opts *config.Options) *Handler {
	l := ledger.New(db, time.Duration(opts.ExpiryMinutes)*time.Minute)
	return &Handler{
		opts: opts,
		orch: NewOrchestrator(opts, l, DefaultToolkitFactory(opts)),
	}
}

// Orchestrator exposes the flow orchestrator, mainly so listeners can be
// registered at boot.
func (h *Handler) Orchestrator() *Orchestrator {
	return h.orch
}

// RegisterRoutes registers the SAML endpoints on a tenant-scoped group. The
// group must already run the tenant resolution middleware.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/login", h.Login)
	rg.GET("/logout", h.Logout)
	rg.GET("/metadata", h.Metadata)
	rg.POST("/acs", h.ACS)
	rg.GET("/sls", h.SLS)
	rg.POST("/sls", h.SLS)
}

// Login redirects the browser to the tenant's IdP with a fresh
// authentication request.
func (h *Handler) Login(c *gin.Context) {
	tenant, ok := tenants.CurrentTenant(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	redirect, err := h.orch.Login(tenant, c.Query("returnTo"))
	if err != nil {
		log.Error().Err(err).Str("tenant_uuid", tenant.UUID).Msg("login failed")
		h.errorRedirect(c, tenant, err)
		return
	}

	c.Redirect(http.StatusFound, redirect.String())
}

// ACS receives the IdP's response, completes the login and sends the
// browser to its post-login destination.
func (h *Handler) ACS(c *gin.Context) {
	tenant, ok := tenants.CurrentTenant(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	encoded := c.PostForm("SAMLResponse")
	if encoded == "" {
		h.errorRedirect(c, tenant, ErrMissingInResponseTo)
		return
	}

	result, err := h.orch.ACS(tenant, encoded)
	if err != nil {
		log.Warn().Err(err).Str("tenant_uuid", tenant.UUID).Msg("acs rejected")
		h.errorRedirect(c, tenant, err)
		return
	}

	if h.opts.SessionSecret != "" {
		token, err := IssueSessionToken(
			[]byte(h.opts.SessionSecret),
			tenant.UUID, result.NameID, result.SessionIndex, result.RequestID,
			result.LedgerID, sessionTTL,
		)
		if err != nil {
			log.Error().Err(err).Msg("cannot issue session token")
			h.errorRedirect(c, tenant, err)
			return
		}
		c.SetCookie(SessionCookieName, token, int(sessionTTL.Seconds()), "/", "", h.secureCookies(), true)
	}

	c.Redirect(http.StatusFound, result.RedirectURL)
}

// Logout starts SP-initiated single logout for the current session.
func (h *Handler) Logout(c *gin.Context) {
	tenant, ok := tenants.CurrentTenant(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	nameID := c.Query("nameId")
	if claims := h.sessionClaims(c, tenant); claims != nil {
		nameID = claims.NameID
	}
	if nameID == "" {
		// Nothing to log out of.
		c.Redirect(http.StatusFound, h.opts.LogoutRoute)
		return
	}

	redirect, err := h.orch.Logout(tenant, nameID, c.Query("returnTo"))
	if err != nil {
		log.Error().Err(err).Str("tenant_uuid", tenant.UUID).Msg("logout failed")
		h.errorRedirect(c, tenant, err)
		return
	}

	c.Redirect(http.StatusFound, redirect.String())
}

// SLS handles the single logout callback from the IdP. Unlike login
// failures, an unusable logout callback has no sane place to land, so it
// fails hard.
func (h *Handler) SLS(c *gin.Context) {
	tenant, ok := tenants.CurrentTenant(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	result, err := h.orch.SLS(tenant, c.Request)
	if err != nil {
		log.Warn().Err(err).Str("tenant_uuid", tenant.UUID).Msg("sls rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result.ClearSession {
		c.SetCookie(SessionCookieName, "", -1, "/", "", h.secureCookies(), true)
	}

	c.Redirect(http.StatusFound, result.RedirectURL)
}

// Metadata serves the tenant's SP metadata document.
func (h *Handler) Metadata(c *gin.Context) {
	tenant, ok := tenants.CurrentTenant(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	body, err := h.orch.Metadata(tenant)
	if err != nil {
		log.Error().Err(err).Str("tenant_uuid", tenant.UUID).Msg("metadata failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/samlmetadata+xml", body)
}

// secureCookies marks session cookies Secure when the externally visible
// base URL is https. The cookie travels on the IdP's cross-site POST back,
// so it must never leak over plain http in a TLS deployment.
func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.opts.BaseURL, "https://")
}

func (h *Handler) sessionClaims(c *gin.Context, tenant *models.Tenant) *SessionClaims {
	if h.opts.SessionSecret == "" {
		return nil
	}
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}
	claims, err := ParseSessionToken([]byte(h.opts.SessionSecret), cookie)
	if err != nil || claims.TenantUUID != tenant.UUID {
		return nil
	}
	return claims
}

func (h *Handler) errorRedirect(c *gin.Context, tenant *models.Tenant, cause error) {
	target, err := url.Parse(h.opts.ErrorRoute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": cause.Error()})
		return
	}

	q := target.Query()
	q.Set("error", cause.Error())
	q.Set("tenant", tenant.UUID)
	target.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, target.String())
}
