package tenants

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupResolverRouter(t *testing.T, identifierField string) (*gin.Engine, *Store) {
	gin.SetMode(gin.TestMode)

	store := NewStore(setupTestDB(t))

	router := gin.New()
	router.GET("/saml2/:tenant/ping", ResolveTenant(store, identifierField), func(c *gin.Context) {
		tenant, ok := CurrentTenant(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "tenant missing from context"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uuid": tenant.UUID})
	})

	return router, store
}

func TestResolveTenantByUUID(t *testing.T) {
	router, store := setupResolverRouter(t, "uuid")

	tenant := newTenant(nil)
	if err := store.Create(tenant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/saml2/"+tenant.UUID+"/ping", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestResolveTenantByKey(t *testing.T) {
	router, store := setupResolverRouter(t, "key")

	key := "acme"
	tenant := newTenant(&key)
	if err := store.Create(tenant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/saml2/acme/ping", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, body %s", w.Code, w.Body.String())
	}

	// The uuid is not a valid segment under key-based resolution.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/saml2/"+tenant.UUID+"/ping", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestResolveTenantUnknown(t *testing.T) {
	router, _ := setupResolverRouter(t, "uuid")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/saml2/does-not-exist/ping", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestResolveTenantExcludesSoftDeleted(t *testing.T) {
	router, store := setupResolverRouter(t, "uuid")

	tenant := newTenant(nil)
	if err := store.Create(tenant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Delete(tenant); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/saml2/"+tenant.UUID+"/ping", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404 for soft-deleted tenant", w.Code)
	}
}
