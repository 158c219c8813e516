package sso

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/crewjam/saml"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/ledger"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"github.com/samlgate/samlgate/pkg/samlgate/toolkit"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeToolkit scripts the SAML toolkit surface so flow logic can be tested
// without signed documents.
type fakeToolkit struct {
	authnURL     string
	requestID    string
	authnErr     error
	inResponseTo string
	extractErr   error
	validation   *toolkit.Validation
	metadata     []byte

	logoutURL         string
	logoutResponseURL string
	logoutValidateErr error
	logoutSigErr      error
	logoutDetails     *toolkit.LogoutRequestDetails
	logoutParseErr    error
}

func (f *fakeToolkit) BuildAuthnRequest(relayState string) (*url.URL, string, error) {
	if f.authnErr != nil {
		return nil, "", f.authnErr
	}
	u, _ := url.Parse(f.authnURL)
	return u, f.requestID, nil
}

func (f *fakeToolkit) ExtractInResponseTo(string) (string, error) {
	return f.inResponseTo, f.extractErr
}

func (f *fakeToolkit) ValidateResponse(string, []string) *toolkit.Validation {
	return f.validation
}

func (f *fakeToolkit) SPMetadata() ([]byte, error) {
	return f.metadata, nil
}

func (f *fakeToolkit) BuildLogoutRequest(nameID, relayState string) (*url.URL, error) {
	u, _ := url.Parse(f.logoutURL)
	return u, nil
}

func (f *fakeToolkit) BuildLogoutResponse(inResponseTo, relayState string) (*url.URL, error) {
	u, _ := url.Parse(f.logoutResponseURL)
	return u, nil
}

func (f *fakeToolkit) ValidateLogoutResponsePost(string) error    { return f.logoutValidateErr }
func (f *fakeToolkit) ValidateLogoutResponseQuery(string) error   { return f.logoutValidateErr }
func (f *fakeToolkit) ValidateLogoutResponseRequest(*http.Request) error {
	return f.logoutValidateErr
}

func (f *fakeToolkit) VerifyLogoutRequestSignature(string, bool) error {
	return f.logoutSigErr
}

func (f *fakeToolkit) ParseLogoutRequest(string, bool) (*toolkit.LogoutRequestDetails, error) {
	return f.logoutDetails, f.logoutParseErr
}

func validValidation(nameID string) *toolkit.Validation {
	return &toolkit.Validation{
		Assertion:  &saml.Assertion{},
		NameID:     nameID,
		Attributes: map[string][]string{},
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func testOpts() *config.Options {
	o := &config.Options{
		BaseURL:          "https://sp.example.com",
		RoutesPrefix:     "saml2",
		TenantIdentifier: "uuid",
		ExpiryMinutes:    60,
	}
	o.SetDefaults()
	return o
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:           1,
		UUID:         "11111111-2222-3333-4444-555555555555",
		IdPEntityID:  "https://idp.example.org/metadata",
		IdPLoginURL:  "https://idp.example.org/sso",
		NameIDFormat: models.NameIDFormatPersistent,
	}
}

func setupOrchestrator(t *testing.T, fake *fakeToolkit) *Orchestrator {
	db := setupTestDB(t)
	l := ledger.New(db, time.Hour)
	opts := testOpts()
	return NewOrchestrator(opts, l, func(*models.Tenant) (Toolkit, error) {
		return fake, nil
	})
}

func TestLoginRedirectsAndRecords(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:  "https://idp.example.org/sso?SAMLRequest=abc",
		requestID: "req-1",
	}
	orch := setupOrchestrator(t, fake)
	tenant := testTenant()

	redirect, err := orch.Login(tenant, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if redirect.Host != "idp.example.org" {
		t.Errorf("Redirect host = %q", redirect.Host)
	}

	// The request id must be redeemable exactly once afterwards.
	fake.inResponseTo = "req-1"
	fake.validation = validValidation("user@example.com")
	if _, err := orch.ACS(tenant, "any"); err != nil {
		t.Fatalf("ACS after login failed: %v", err)
	}
}

func TestACSReplayIsRejected(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:     "https://idp.example.org/sso",
		requestID:    "req-1",
		inResponseTo: "req-1",
		validation:   validValidation("user@example.com"),
	}
	orch := setupOrchestrator(t, fake)
	tenant := testTenant()

	if _, err := orch.Login(tenant, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := orch.ACS(tenant, "any"); err != nil {
		t.Fatalf("First ACS failed: %v", err)
	}

	_, err := orch.ACS(tenant, "any")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Expected ErrAlreadyProcessed on replay, got %v", err)
	}
}

func TestACSMissingInResponseTo(t *testing.T) {
	fake := &fakeToolkit{inResponseTo: ""}
	orch := setupOrchestrator(t, fake)

	_, err := orch.ACS(testTenant(), "any")
	if !errors.Is(err, ErrMissingInResponseTo) {
		t.Errorf("Expected ErrMissingInResponseTo, got %v", err)
	}
}

func TestACSUnknownRequestIDLeavesLedgerUntouched(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:     "https://idp.example.org/sso",
		requestID:    "req-1",
		inResponseTo: "req-2",
		validation:   validValidation("user@example.com"),
	}
	orch := setupOrchestrator(t, fake)
	tenant := testTenant()

	if _, err := orch.Login(tenant, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, err := orch.ACS(tenant, "any")
	if !errors.Is(err, ErrNoMatchingRequest) {
		t.Fatalf("Expected ErrNoMatchingRequest, got %v", err)
	}

	// The recorded entry was not consumed by the mismatched response.
	fake.inResponseTo = "req-1"
	if _, err := orch.ACS(tenant, "any"); err != nil {
		t.Errorf("Recorded request should still be redeemable: %v", err)
	}
}

func TestACSValidationFailureStillConsumes(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:     "https://idp.example.org/sso",
		requestID:    "req-1",
		inResponseTo: "req-1",
		validation:   &toolkit.Validation{Errors: []string{"signature verification failed"}},
	}
	orch := setupOrchestrator(t, fake)
	tenant := testTenant()

	if _, err := orch.Login(tenant, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, err := orch.ACS(tenant, "any")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Expected ErrAuthFailed, got %v", err)
	}

	// The entry was consumed before validation, so a retry cannot redeem it.
	_, err = orch.ACS(tenant, "any")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Expected ErrAlreadyProcessed after failed validation, got %v", err)
	}
}

func TestACSRedirectPrecedence(t *testing.T) {
	tenant := testTenant()
	tenant.RelayStateURL = "https://app.example.com/tenant-home"

	run := func(t *testing.T, returnTo string, listener SignedInListener) string {
		fake := &fakeToolkit{
			authnURL:     "https://idp.example.org/sso",
			requestID:    "req-1",
			inResponseTo: "req-1",
			validation:   validValidation("user@example.com"),
		}
		orch := setupOrchestrator(t, fake)
		if listener != nil {
			orch.Listeners.OnSignedIn(listener)
		}
		if _, err := orch.Login(tenant, returnTo); err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		result, err := orch.ACS(tenant, "any")
		if err != nil {
			t.Fatalf("ACS failed: %v", err)
		}
		return result.RedirectURL
	}

	t.Run("listener override wins", func(t *testing.T) {
		got := run(t, "https://app.example.com/requested", func(*models.Tenant, *ACSResult) (string, error) {
			return "https://app.example.com/forced", nil
		})
		if got != "https://app.example.com/forced" {
			t.Errorf("RedirectURL = %q", got)
		}
	})

	t.Run("recorded return target", func(t *testing.T) {
		got := run(t, "https://app.example.com/requested", nil)
		if got != "https://app.example.com/requested" {
			t.Errorf("RedirectURL = %q", got)
		}
	})

	t.Run("tenant relay state", func(t *testing.T) {
		got := run(t, "", nil)
		if got != "https://app.example.com/tenant-home" {
			t.Errorf("RedirectURL = %q", got)
		}
	})
}

func TestACSResultCarriesLedgerEntryID(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:     "https://idp.example.org/sso",
		requestID:    "req-1",
		inResponseTo: "req-1",
		validation:   validValidation("user@example.com"),
	}
	orch := setupOrchestrator(t, fake)
	tenant := testTenant()

	var recordedID uint
	orch.Listeners.OnLoginInitiated(func(_ *models.Tenant, entry *models.LoginRequest) {
		recordedID = entry.ID
	})
	var observedID uint
	orch.Listeners.OnSignedIn(func(_ *models.Tenant, result *ACSResult) (string, error) {
		observedID = result.LedgerID
		return "", nil
	})

	if _, err := orch.Login(tenant, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if recordedID == 0 {
		t.Fatal("Expected the recorded entry to carry an id")
	}

	result, err := orch.ACS(tenant, "any")
	if err != nil {
		t.Fatalf("ACS failed: %v", err)
	}
	if result.LedgerID != recordedID {
		t.Errorf("LedgerID = %d, want the consumed entry id %d", result.LedgerID, recordedID)
	}
	if observedID != recordedID {
		t.Errorf("Signed-in listener saw LedgerID %d, want %d", observedID, recordedID)
	}
}

func TestACSListenerErrorAbortsLogin(t *testing.T) {
	fake := &fakeToolkit{
		authnURL:     "https://idp.example.org/sso",
		requestID:    "req-1",
		inResponseTo: "req-1",
		validation:   validValidation("user@example.com"),
	}
	orch := setupOrchestrator(t, fake)
	orch.Listeners.OnSignedIn(func(*models.Tenant, *ACSResult) (string, error) {
		return "", errors.New("account suspended")
	})
	tenant := testTenant()

	if _, err := orch.Login(tenant, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, err := orch.ACS(tenant, "any")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed from listener error, got %v", err)
	}
}

func TestLogoutBuildsIdPRedirect(t *testing.T) {
	fake := &fakeToolkit{logoutURL: "https://idp.example.org/slo?SAMLRequest=xyz"}
	orch := setupOrchestrator(t, fake)

	redirect, err := orch.Logout(testTenant(), "user@example.com", "")
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if redirect.Host != "idp.example.org" {
		t.Errorf("Redirect host = %q", redirect.Host)
	}
}
