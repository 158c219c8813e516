package spconfig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
)

func makeTestCertPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test IdP"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func testOptions() *config.Options {
	o := &config.Options{
		BaseURL:          "https://sp.example.com",
		RoutesPrefix:     "saml2",
		TenantIdentifier: "uuid",
	}
	return o
}

func testTenant(certPEM string) *models.Tenant {
	return &models.Tenant{
		ID:           7,
		UUID:         "4f2c3a10-aaaa-bbbb-cccc-000000000001",
		IdPEntityID:  "https://idp.example.org/metadata",
		IdPLoginURL:  "https://idp.example.org/sso",
		IdPLogoutURL: "https://idp.example.org/slo",
		IdPX509Cert:  certPEM,
		NameIDFormat: models.NameIDFormatPersistent,
	}
}

func TestNameIDFormatURN(t *testing.T) {
	cases := []struct {
		format string
		want   string
	}{
		{"persistent", "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"},
		{"transient", "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"},
		{"entity", "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"},
		{"kerberos", "urn:oasis:names:tc:SAML:2.0:nameid-format:kerberos"},
		{"emailAddress", "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"},
		{"X509SubjectName", "urn:oasis:names:tc:SAML:1.1:nameid-format:X509SubjectName"},
		{"WindowsDomainQualifiedName", "urn:oasis:names:tc:SAML:1.1:nameid-format:WindowsDomainQualifiedName"},
		{"unspecified", "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"},
	}

	for _, tc := range cases {
		if got := NameIDFormatURN(tc.format); got != tc.want {
			t.Errorf("NameIDFormatURN(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}

func TestRouteURL(t *testing.T) {
	opts := testOptions()
	tenant := testTenant("")

	u, err := RouteURL(opts, tenant, "acs")
	if err != nil {
		t.Fatalf("RouteURL failed: %v", err)
	}
	want := "https://sp.example.com/saml2/" + tenant.UUID + "/acs"
	if u.String() != want {
		t.Errorf("RouteURL = %q, want %q", u.String(), want)
	}
}

func TestRouteURLByKey(t *testing.T) {
	opts := testOptions()
	opts.TenantIdentifier = "key"

	tenant := testTenant("")
	key := "acme"
	tenant.Key = &key

	u, err := RouteURL(opts, tenant, "login")
	if err != nil {
		t.Fatalf("RouteURL failed: %v", err)
	}
	if u.String() != "https://sp.example.com/saml2/acme/login" {
		t.Errorf("RouteURL = %q", u.String())
	}
}

func TestRouteURLMissingIdentifier(t *testing.T) {
	opts := testOptions()
	opts.TenantIdentifier = "key"

	_, err := RouteURL(opts, testTenant(""), "login")
	if !errors.Is(err, ErrMissingTenantIdentifier) {
		t.Errorf("Expected ErrMissingTenantIdentifier, got %v", err)
	}
}

func TestBuildDefaults(t *testing.T) {
	certPEM := makeTestCertPEM(t)
	opts := testOptions()
	tenant := testTenant(certPEM)

	sp, err := Build(opts, tenant)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantACS := "https://sp.example.com/saml2/" + tenant.UUID + "/acs"
	if sp.AcsURL.String() != wantACS {
		t.Errorf("AcsURL = %q, want %q", sp.AcsURL.String(), wantACS)
	}
	wantSLS := "https://sp.example.com/saml2/" + tenant.UUID + "/sls"
	if sp.SloURL.String() != wantSLS {
		t.Errorf("SloURL = %q, want %q", sp.SloURL.String(), wantSLS)
	}
	if sp.EntityID != sp.MetadataURL.String() {
		t.Errorf("EntityID should default to the metadata URL, got %q", sp.EntityID)
	}
	if !strings.Contains(string(sp.AuthnNameIDFormat), "nameid-format:persistent") {
		t.Errorf("AuthnNameIDFormat = %q", sp.AuthnNameIDFormat)
	}
}

func TestBuildOverridesKeepTenantIdP(t *testing.T) {
	certPEM := makeTestCertPEM(t)
	opts := testOptions()
	opts.SPEntityID = "https://sp.example.com/custom-entity"
	opts.SPACSURL = "https://edge.example.com/acs"

	tenant := testTenant(certPEM)

	sp, err := Build(opts, tenant)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if sp.EntityID != "https://sp.example.com/custom-entity" {
		t.Errorf("EntityID override not applied, got %q", sp.EntityID)
	}
	if sp.AcsURL.String() != "https://edge.example.com/acs" {
		t.Errorf("ACS override not applied, got %q", sp.AcsURL.String())
	}

	// The IdP half always comes from the tenant record.
	if sp.IDPMetadata.EntityID != tenant.IdPEntityID {
		t.Errorf("IdP entity id = %q, want %q", sp.IDPMetadata.EntityID, tenant.IdPEntityID)
	}
	sso := sp.IDPMetadata.IDPSSODescriptors[0].SingleSignOnServices[0]
	if sso.Location != tenant.IdPLoginURL {
		t.Errorf("SSO location = %q, want %q", sso.Location, tenant.IdPLoginURL)
	}
	slo := sp.IDPMetadata.IDPSSODescriptors[0].SingleLogoutServices[0]
	if slo.Location != tenant.IdPLogoutURL {
		t.Errorf("SLO location = %q, want %q", slo.Location, tenant.IdPLogoutURL)
	}
}

func TestBuildRequiresIdPCertificate(t *testing.T) {
	opts := testOptions()
	tenant := testTenant("")

	_, err := Build(opts, tenant)
	if !errors.Is(err, ErrMissingIdPCertificate) {
		t.Errorf("Expected ErrMissingIdPCertificate, got %v", err)
	}
}

func TestParseCertificate(t *testing.T) {
	certPEM := makeTestCertPEM(t)

	pemCert, err := ParseCertificate(certPEM)
	if err != nil {
		t.Fatalf("PEM certificate rejected: %v", err)
	}

	// The bare base64 body with line breaks, as pasted from IdP consoles.
	block, _ := pem.Decode([]byte(certPEM))
	bare := base64.StdEncoding.EncodeToString(block.Bytes)
	var wrapped strings.Builder
	for i := 0; i < len(bare); i += 64 {
		end := i + 64
		if end > len(bare) {
			end = len(bare)
		}
		wrapped.WriteString(bare[i:end])
		wrapped.WriteString("\n")
	}

	bareCert, err := ParseCertificate(wrapped.String())
	if err != nil {
		t.Fatalf("Bare base64 certificate rejected: %v", err)
	}
	if !pemCert.Equal(bareCert) {
		t.Error("PEM and bare base64 parses should yield the same certificate")
	}

	if _, err := ParseCertificate("not a certificate"); err == nil {
		t.Error("Expected error for malformed certificate input")
	}
}
