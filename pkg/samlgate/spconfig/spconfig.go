package spconfig

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/crewjam/saml"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
)

var (
	// ErrMissingIdPCertificate is returned when a tenant has no usable
	// signing certificate. Responses from such an IdP could never be
	// verified, so no service provider is built at all.
	ErrMissingIdPCertificate = errors.New("tenant has no IdP x509 certificate")

	// ErrMissingTenantIdentifier is returned when the tenant lacks a value
	// for the configured identifier field (a tenant without a key while
	// key-based routing is active).
	ErrMissingTenantIdentifier = errors.New("tenant has no value for the configured identifier field")
)

// RouteURL computes the externally visible URL of one of a tenant's SAML
// endpoints: base URL, routes prefix, tenant identifier segment, leaf.
func RouteURL(opts *config.Options, tenant *models.Tenant, leaf string) (*url.URL, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	identifier := tenant.IdentifierValue(opts.TenantIdentifier)
	if identifier == "" {
		return nil, ErrMissingTenantIdentifier
	}

	u.Path = path.Join("/", u.Path, opts.RoutesPrefix, identifier, leaf)
	return u, nil
}

// NameIDFormatURN expands a short NameID format name to its SAML URN. The
// formats carried over from SAML 1.1 keep their 1.1 namespace.
func NameIDFormatURN(format string) string {
	switch format {
	case "emailAddress", "X509SubjectName", "WindowsDomainQualifiedName", "unspecified":
		return "urn:oasis:names:tc:SAML:1.1:nameid-format:" + format
	default:
		return "urn:oasis:names:tc:SAML:2.0:nameid-format:" + format
	}
}

// Build assembles the per-tenant service provider. The SP side (entity id,
// ACS and SLS URLs, signing key pair) starts from computed tenant-scoped
// defaults and only yields to explicit overrides in opts. The IdP side is
// always taken from the tenant record; nothing in the environment can
// redirect a tenant's authentication to a different IdP.
func Build(opts *config.Options, tenant *models.Tenant) (*saml.ServiceProvider, error) {
	acsURL, err := endpointURL(opts, tenant, opts.SPACSURL, "acs")
	if err != nil {
		return nil, err
	}
	sloURL, err := endpointURL(opts, tenant, opts.SPSLOURL, "sls")
	if err != nil {
		return nil, err
	}
	metadataURL, err := RouteURL(opts, tenant, "metadata")
	if err != nil {
		return nil, err
	}

	entityID := opts.SPEntityID
	if entityID == "" {
		entityID = metadataURL.String()
	}

	idpMetadata, err := buildIdPMetadata(tenant)
	if err != nil {
		return nil, err
	}

	sp := &saml.ServiceProvider{
		EntityID:          entityID,
		AcsURL:            *acsURL,
		SloURL:            *sloURL,
		MetadataURL:       *metadataURL,
		IDPMetadata:       idpMetadata,
		AuthnNameIDFormat: saml.NameIDFormat(NameIDFormatURN(tenant.NameIDFormat)),
	}

	if opts.SPCertFile != "" && opts.SPKeyFile != "" {
		key, cert, err := loadKeyPair(opts.SPCertFile, opts.SPKeyFile)
		if err != nil {
			return nil, err
		}
		sp.Key = key
		sp.Certificate = cert
		if opts.SignOutbound {
			sp.SignatureMethod = dsig.RSASHA256SignatureMethod
		}
	}

	return sp, nil
}

func endpointURL(opts *config.Options, tenant *models.Tenant, override, leaf string) (*url.URL, error) {
	if override != "" {
		u, err := url.Parse(override)
		if err != nil {
			return nil, fmt.Errorf("invalid %s URL override: %w", leaf, err)
		}
		return u, nil
	}
	return RouteURL(opts, tenant, leaf)
}

// buildIdPMetadata synthesizes an entity descriptor from the tenant's direct
// IdP configuration, the same shape metadata discovery would have produced.
func buildIdPMetadata(tenant *models.Tenant) (*saml.EntityDescriptor, error) {
	cert, err := ParseCertificate(tenant.IdPX509Cert)
	if err != nil {
		return nil, err
	}
	certData := base64.StdEncoding.EncodeToString(cert.Raw)

	descriptor := saml.IDPSSODescriptor{
		SSODescriptor: saml.SSODescriptor{
			RoleDescriptor: saml.RoleDescriptor{
				ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
				KeyDescriptors: []saml.KeyDescriptor{
					{
						Use: "signing",
						KeyInfo: saml.KeyInfo{
							X509Data: saml.X509Data{
								X509Certificates: []saml.X509Certificate{
									{Data: certData},
								},
							},
						},
					},
				},
			},
			NameIDFormats: []saml.NameIDFormat{
				saml.NameIDFormat(NameIDFormatURN(tenant.NameIDFormat)),
			},
		},
		SingleSignOnServices: []saml.Endpoint{
			{
				Binding:  saml.HTTPRedirectBinding,
				Location: tenant.IdPLoginURL,
			},
		},
	}

	if tenant.IdPLogoutURL != "" {
		descriptor.SingleLogoutServices = []saml.Endpoint{
			{
				Binding:  saml.HTTPRedirectBinding,
				Location: tenant.IdPLogoutURL,
			},
		}
	}

	return &saml.EntityDescriptor{
		EntityID:          tenant.IdPEntityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{descriptor},
	}, nil
}

// ParseCertificate accepts either a PEM block or the bare base64 body that
// IdP admin consoles commonly export, and returns the parsed certificate.
func ParseCertificate(raw string) (*x509.Certificate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingIdPCertificate
	}

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, raw)
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, fmt.Errorf("certificate is neither PEM nor base64: %w", err)
		}
		der = decoded
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse IdP certificate: %w", err)
	}
	return cert, nil
}

func loadKeyPair(certFile, keyFile string) (*rsa.PrivateKey, *x509.Certificate, error) {
	keypair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load SP key pair: %w", err)
	}

	key, ok := keypair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("SP private key is not RSA")
	}

	cert, err := x509.ParseCertificate(keypair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("cannot parse SP certificate: %w", err)
	}
	return key, cert, nil
}
