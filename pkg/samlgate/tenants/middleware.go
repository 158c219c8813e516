package tenants

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
)

const (
	// ContextKeyTenant is the key for the resolved tenant in gin context
	ContextKeyTenant = "saml_tenant"
	// ContextKeyTenantID is the key for the resolved tenant's surrogate id
	ContextKeyTenantID = "saml_tenant_id"
	// ContextKeyTenantUUID is the key for the resolved tenant's uuid
	ContextKeyTenantUUID = "saml_tenant_uuid"
	// ContextKeyTenantKey is the key for the resolved tenant's key
	ContextKeyTenantKey = "saml_tenant_key"
)

// ResolveTenant resolves the :tenant route segment against the configured
// identifier field and stores the result in the request context. Unknown and
// soft-deleted tenants abort with 404; authentication traffic never falls
// back to a default tenant.
func ResolveTenant(store *Store, identifierField string) gin.HandlerFunc {
	return func(c *gin.Context) {
		segment := c.Param("tenant")
		if segment == "" {
			log.Debug().Str("url", c.Request.URL.String()).
				Msg("tenant segment missing from route")
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			c.Abort()
			return
		}

		tenant, err := store.FindBy(identifierField, segment, false)
		if err != nil {
			log.Debug().Err(err).
				Str("identifier", segment).
				Str("field", identifierField).
				Msg("tenant resolution failed")
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			c.Abort()
			return
		}

		log.Debug().
			Uint("tenant_id", tenant.ID).
			Str("tenant_uuid", tenant.UUID).
			Msg("tenant resolved")

		c.Set(ContextKeyTenant, tenant)
		c.Set(ContextKeyTenantID, tenant.ID)
		c.Set(ContextKeyTenantUUID, tenant.UUID)
		if tenant.Key != nil {
			c.Set(ContextKeyTenantKey, *tenant.Key)
		}

		c.Next()
	}
}

// CurrentTenant returns the tenant resolved by ResolveTenant.
func CurrentTenant(c *gin.Context) (*models.Tenant, bool) {
	v, exists := c.Get(ContextKeyTenant)
	if !exists {
		return nil, false
	}
	tenant, ok := v.(*models.Tenant)
	return tenant, ok
}
