package tenants

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"github.com/samlgate/samlgate/pkg/samlgate/spconfig"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Handler serves the tenant administration API.
type Handler struct {
	store *Store
	opts  *config.Options
}

// NewHandler creates a new tenant admin handler
func NewHandler(db *gorm.DB, opts *config.Options) *Handler {
	return &Handler{store: NewStore(db), opts: opts}
}

// RegisterRoutes registers the tenant administration routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tenants", h.List)
	rg.POST("/tenants", h.Create)
	rg.GET("/tenants/:uuid", h.Get)
	rg.PATCH("/tenants/:uuid", h.Update)
	rg.DELETE("/tenants/:uuid", h.Delete)
	rg.POST("/tenants/:uuid/restore", h.Restore)
}

// CreateTenantRequest represents the request to register an IdP
type CreateTenantRequest struct {
	Key           *string        `json:"key"`
	IdPEntityID   string         `json:"idp_entity_id" binding:"required"`
	IdPLoginURL   string         `json:"idp_login_url" binding:"required,url"`
	IdPLogoutURL  string         `json:"idp_logout_url" binding:"omitempty,url"`
	IdPX509Cert   string         `json:"idp_x509_cert" binding:"required"`
	RelayStateURL string         `json:"relay_state_url"`
	NameIDFormat  string         `json:"name_id_format"`
	Metadata      map[string]any `json:"metadata"`
}

// UpdateTenantRequest represents a partial tenant update
type UpdateTenantRequest struct {
	Key           *string        `json:"key"`
	IdPEntityID   *string        `json:"idp_entity_id"`
	IdPLoginURL   *string        `json:"idp_login_url" binding:"omitempty,url"`
	IdPLogoutURL  *string        `json:"idp_logout_url" binding:"omitempty,url"`
	IdPX509Cert   *string        `json:"idp_x509_cert"`
	RelayStateURL *string        `json:"relay_state_url"`
	NameIDFormat  *string        `json:"name_id_format"`
	Metadata      map[string]any `json:"metadata"`
}

// EndpointsResponse lists the tenant-scoped SP endpoints to hand to the IdP
// operator.
type EndpointsResponse struct {
	Login    string `json:"login"`
	Logout   string `json:"logout"`
	Metadata string `json:"metadata"`
	ACS      string `json:"acs"`
	SLS      string `json:"sls"`
}

// TenantResponse represents a tenant in admin responses
type TenantResponse struct {
	models.Tenant
	Endpoints EndpointsResponse `json:"endpoints"`
}

func (h *Handler) response(t *models.Tenant) TenantResponse {
	endpoints := EndpointsResponse{}
	for leaf, target := range map[string]*string{
		"login":    &endpoints.Login,
		"logout":   &endpoints.Logout,
		"metadata": &endpoints.Metadata,
		"acs":      &endpoints.ACS,
		"sls":      &endpoints.SLS,
	} {
		if u, err := spconfig.RouteURL(h.opts, t, leaf); err == nil {
			*target = u.String()
		}
	}
	return TenantResponse{Tenant: *t, Endpoints: endpoints}
}

func validNameIDFormat(format string) bool {
	for _, known := range models.KnownNameIDFormats {
		if format == known {
			return true
		}
	}
	return false
}

// List returns all tenants; pass with_trashed=1 to include soft-deleted rows
func (h *Handler) List(c *gin.Context) {
	withTrashed := c.Query("with_trashed") == "1"

	all, err := h.store.All(withTrashed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tenants"})
		return
	}

	responses := make([]TenantResponse, len(all))
	for i := range all {
		responses[i] = h.response(&all[i])
	}
	c.JSON(http.StatusOK, responses)
}

// Get returns a single tenant by uuid, including soft-deleted ones
func (h *Handler) Get(c *gin.Context) {
	tenant, err := h.store.FindByUUID(c.Param("uuid"), true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	c.JSON(http.StatusOK, h.response(tenant))
}

// Create registers a new IdP
func (h *Handler) Create(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.NameIDFormat != "" && !validNameIDFormat(req.NameIDFormat) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown name_id_format"})
		return
	}

	tenant := models.Tenant{
		Key:           req.Key,
		IdPEntityID:   req.IdPEntityID,
		IdPLoginURL:   req.IdPLoginURL,
		IdPLogoutURL:  req.IdPLogoutURL,
		IdPX509Cert:   req.IdPX509Cert,
		RelayStateURL: req.RelayStateURL,
		NameIDFormat:  req.NameIDFormat,
		Metadata:      datatypes.JSONMap(req.Metadata),
	}

	if err := h.store.Create(&tenant); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "tenant key already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create tenant"})
		return
	}

	c.JSON(http.StatusCreated, h.response(&tenant))
}

// Update applies a partial update to a tenant
func (h *Handler) Update(c *gin.Context) {
	tenant, err := h.store.FindByUUID(c.Param("uuid"), true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	var req UpdateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Key != nil {
		tenant.Key = req.Key
	}
	if req.IdPEntityID != nil {
		tenant.IdPEntityID = *req.IdPEntityID
	}
	if req.IdPLoginURL != nil {
		tenant.IdPLoginURL = *req.IdPLoginURL
	}
	if req.IdPLogoutURL != nil {
		tenant.IdPLogoutURL = *req.IdPLogoutURL
	}
	if req.IdPX509Cert != nil {
		tenant.IdPX509Cert = *req.IdPX509Cert
	}
	if req.RelayStateURL != nil {
		tenant.RelayStateURL = *req.RelayStateURL
	}
	if req.NameIDFormat != nil {
		if !validNameIDFormat(*req.NameIDFormat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown name_id_format"})
			return
		}
		tenant.NameIDFormat = *req.NameIDFormat
	}
	if req.Metadata != nil {
		tenant.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := h.store.Update(tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update tenant"})
		return
	}

	c.JSON(http.StatusOK, h.response(tenant))
}

// Delete soft-deletes a tenant; pass force=1 to destroy it permanently
func (h *Handler) Delete(c *gin.Context) {
	tenant, err := h.store.FindByUUID(c.Param("uuid"), true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	if c.Query("force") == "1" {
		if err := h.store.ForceDelete(tenant); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete tenant"})
			return
		}
	} else {
		if err := h.store.Delete(tenant); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete tenant"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Restore clears a tenant's soft-delete marker
func (h *Handler) Restore(c *gin.Context) {
	tenant, err := h.store.FindByUUID(c.Param("uuid"), true)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}

	if err := h.store.Restore(tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to restore tenant"})
		return
	}

	tenant.DeletedAt = gorm.DeletedAt{}
	c.JSON(http.StatusOK, h.response(tenant))
}
