package toolkit

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoSSOEndpoint is returned when the IdP metadata carries no
	// single sign-on endpoint for a supported binding.
	ErrNoSSOEndpoint = errors.New("IdP metadata has no usable SSO endpoint")

	// ErrNoSLOEndpoint is returned when single logout is attempted against
	// an IdP that has no logout endpoint registered.
	ErrNoSLOEndpoint = errors.New("IdP metadata has no single logout endpoint")

	// ErrInvalidLogoutResponse is returned when an inbound LogoutResponse
	// fails signature or structural validation.
	ErrInvalidLogoutResponse = errors.New("invalid logout response")

	// ErrFailedLogoutStatus is returned when a LogoutResponse is well formed
	// but reports a non-success status. The IdP refused the logout; that is
	// distinct from the message being invalid.
	ErrFailedLogoutStatus = errors.New("logout response status is not success")

	// ErrInvalidLogoutRequest is returned when an inbound LogoutRequest
	// cannot be decoded or names a different IdP.
	ErrInvalidLogoutRequest = errors.New("invalid logout request")
)

// Validation is the outcome of processing an inbound SAML response. Errors
// are collected rather than returned so the caller can log every reason the
// response was rejected, the way IdP operators expect to debug federation.
type Validation struct {
	Assertion    *saml.Assertion
	NameID       string
	SessionIndex string
	Attributes   map[string][]string
	Errors       []string
}

// Ok reports whether the response validated cleanly.
func (v *Validation) Ok() bool {
	return len(v.Errors) == 0 && v.Assertion != nil
}

// LogoutRequestDetails carries the fields of an inbound IdP-initiated
// LogoutRequest the orchestrator needs.
type LogoutRequestDetails struct {
	ID     string
	Issuer string
	NameID string
}

// Client adapts a configured service provider to the operations the
// authentication flows need.
type Client struct {
	sp *saml.ServiceProvider
}

// NewClient wraps sp.
func NewClient(sp *saml.ServiceProvider) *Client {
	return &Client{sp: sp}
}

// ServiceProvider exposes the underlying provider.
func (c *Client) ServiceProvider() *saml.ServiceProvider {
	return c.sp
}

func (c *Client) ssoLocation(binding string) string {
	for _, descriptor := range c.sp.IDPMetadata.IDPSSODescriptors {
		for _, endpoint := range descriptor.SingleSignOnServices {
			if endpoint.Binding == binding {
				return endpoint.Location
			}
		}
	}
	return ""
}

func (c *Client) sloLocation(binding string) string {
	for _, descriptor := range c.sp.IDPMetadata.IDPSSODescriptors {
		for _, endpoint := range descriptor.SingleLogoutServices {
			if endpoint.Binding == binding {
				return endpoint.Location
			}
		}
	}
	return ""
}

// BuildAuthnRequest creates a redirect-bound authentication request and
// returns the IdP URL to send the browser to along with the request id the
// caller must persist for response correlation.
func (c *Client) BuildAuthnRequest(relayState string) (*url.URL, string, error) {
	ssoURL := c.ssoLocation(saml.HTTPRedirectBinding)
	if ssoURL == "" {
		return nil, "", ErrNoSSOEndpoint
	}

	req, err := c.sp.MakeAuthenticationRequest(ssoURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return nil, "", fmt.Errorf("cannot build authentication request: %w", err)
	}

	redirect, err := req.Redirect(relayState, c.sp)
	if err != nil {
		return nil, "", fmt.Errorf("cannot encode authentication request: %w", err)
	}

	log.Debug().
		Str("request_id", req.ID).
		Str("destination", ssoURL).
		Msg("authentication request built")

	return redirect, req.ID, nil
}

// ExtractInResponseTo pulls the InResponseTo attribute off a base64-encoded
// response document without validating it. Correlation has to be checked
// before the response is trusted, and independently of whether the rest of
// the document validates.
func (c *Client) ExtractInResponseTo(encodedResponse string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return "", fmt.Errorf("cannot decode SAMLResponse: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return "", fmt.Errorf("cannot parse SAMLResponse: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", errors.New("SAMLResponse has no root element")
	}
	return root.SelectAttrValue("InResponseTo", ""), nil
}

// ValidateResponse verifies a base64-encoded SAML response against the
// given set of acceptable request ids and extracts the authenticated
// subject. Failures are collected into Validation.Errors.
func (c *Client) ValidateResponse(encodedResponse string, possibleRequestIDs []string) *Validation {
	v := &Validation{Attributes: map[string][]string{}}

	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("cannot decode SAMLResponse: %v", err))
		return v
	}

	log.Debug().Int("size", len(raw)).Msg("validating SAML response")

	assertion, err := c.sp.ParseXMLResponse(raw, possibleRequestIDs)
	if err != nil {
		var ire *saml.InvalidResponseError
		if errors.As(err, &ire) && ire.PrivateErr != nil {
			v.Errors = append(v.Errors, ire.PrivateErr.Error())
		} else {
			v.Errors = append(v.Errors, err.Error())
		}
		return v
	}

	v.Assertion = assertion
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		v.NameID = assertion.Subject.NameID.Value
	}
	for _, stmt := range assertion.AuthnStatements {
		if stmt.SessionIndex != "" {
			v.SessionIndex = stmt.SessionIndex
			break
		}
	}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			for _, value := range attr.Values {
				v.Attributes[attr.Name] = append(v.Attributes[attr.Name], value.Value)
			}
		}
	}

	return v
}

// SPMetadata renders the service provider's metadata document. The provider
// is checked for the settings an IdP cannot work without, and every problem
// is reported at once.
func (c *Client) SPMetadata() ([]byte, error) {
	var errs *multierror.Error
	if c.sp.EntityID == "" {
		errs = multierror.Append(errs, errors.New("sp_entity_id is not set"))
	}
	if c.sp.AcsURL.String() == "" {
		errs = multierror.Append(errs, errors.New("sp_acs_url is not set"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid SP settings: %w", err)
	}

	metadata := c.sp.Metadata()
	body, err := xml.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cannot serialize SP metadata: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// BuildLogoutRequest creates a redirect-bound logout request for nameID and
// returns the IdP URL to send the browser to.
func (c *Client) BuildLogoutRequest(nameID, relayState string) (*url.URL, error) {
	if c.sloLocation(saml.HTTPRedirectBinding) == "" {
		return nil, ErrNoSLOEndpoint
	}
	redirect, err := c.sp.MakeRedirectLogoutRequest(nameID, relayState)
	if err != nil {
		return nil, fmt.Errorf("cannot build logout request: %w", err)
	}
	return redirect, nil
}

// BuildLogoutResponse creates the redirect-bound response that answers an
// IdP-initiated logout request.
func (c *Client) BuildLogoutResponse(inResponseTo, relayState string) (*url.URL, error) {
	if c.sloLocation(saml.HTTPRedirectBinding) == "" {
		return nil, ErrNoSLOEndpoint
	}
	redirect, err := c.sp.MakeRedirectLogoutResponse(inResponseTo, relayState)
	if err != nil {
		return nil, fmt.Errorf("cannot build logout response: %w", err)
	}
	return redirect, nil
}

// ValidateLogoutResponsePost verifies a LogoutResponse delivered by form
// POST. encodedResponse is the SAMLResponse form value.
func (c *Client) ValidateLogoutResponsePost(encodedResponse string) error {
	if err := c.sp.ValidateLogoutResponseForm(encodedResponse); err != nil {
		return c.classifyLogoutResponseError(encodedResponse, false, err)
	}
	return nil
}

// ValidateLogoutResponseQuery verifies a LogoutResponse delivered by
// redirect. encodedResponse is the SAMLResponse query value (deflated).
func (c *Client) ValidateLogoutResponseQuery(encodedResponse string) error {
	if err := c.sp.ValidateLogoutResponseRedirect(encodedResponse); err != nil {
		return c.classifyLogoutResponseError(encodedResponse, true, err)
	}
	return nil
}

// ValidateLogoutResponseRequest verifies a LogoutResponse straight off the
// incoming request, preserving the exact parameter encoding the IdP signed.
// Some IdPs sign the raw query string; re-encoding it breaks verification.
func (c *Client) ValidateLogoutResponseRequest(req *http.Request) error {
	if err := c.sp.ValidateLogoutResponseRequest(req); err != nil {
		encoded := req.URL.Query().Get("SAMLResponse")
		deflated := true
		if encoded == "" {
			encoded = req.PostFormValue("SAMLResponse")
			deflated = false
		}
		return c.classifyLogoutResponseError(encoded, deflated, err)
	}
	return nil
}

// classifyLogoutResponseError distinguishes an IdP that answered "no" from
// a message that cannot be trusted at all.
func (c *Client) classifyLogoutResponseError(encodedResponse string, deflated bool, cause error) error {
	resp, err := decodeLogoutResponse(encodedResponse, deflated)
	if err == nil && resp.Status.StatusCode.Value != saml.StatusSuccess {
		return fmt.Errorf("%w: %s", ErrFailedLogoutStatus, resp.Status.StatusCode.Value)
	}
	return fmt.Errorf("%w: %v", ErrInvalidLogoutResponse, cause)
}

// ParseLogoutRequest decodes an inbound IdP-initiated LogoutRequest.
// deflated selects redirect-binding encoding. The issuer must match the
// tenant's registered IdP.
func (c *Client) ParseLogoutRequest(encodedRequest string, deflated bool) (*LogoutRequestDetails, error) {
	raw, err := decodeMessage(encodedRequest, deflated)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLogoutRequest, err)
	}

	var req saml.LogoutRequest
	if err := xml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLogoutRequest, err)
	}

	details := &LogoutRequestDetails{ID: req.ID}
	if req.Issuer != nil {
		details.Issuer = req.Issuer.Value
	}
	if req.NameID != nil {
		details.NameID = req.NameID.Value
	}

	if details.Issuer != "" && details.Issuer != c.sp.IDPMetadata.EntityID {
		return nil, fmt.Errorf("%w: issuer %q does not match the registered IdP", ErrInvalidLogoutRequest, details.Issuer)
	}

	return details, nil
}

// Signature algorithm URIs accepted on redirect-bound messages.
const (
	sigAlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	sigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
)

// VerifyLogoutRequestSignature checks the detached query signature of a
// redirect-bound LogoutRequest against the tenant's IdP certificates. The
// IdP signs the raw percent-encoded query values in protocol order
// (SAMLRequest, RelayState, SigAlg), so the signed string is rebuilt from
// rawQuery without re-encoding anything. An unsigned request passes unless
// required is set; many IdPs do not sign logout requests.
func (c *Client) VerifyLogoutRequestSignature(rawQuery string, required bool) error {
	params := rawQueryParams(rawQuery)

	sigValue, ok := params["Signature"]
	if !ok || sigValue == "" {
		if required {
			return fmt.Errorf("%w: logout request is not signed", ErrInvalidLogoutRequest)
		}
		return nil
	}

	signedData := "SAMLRequest=" + params["SAMLRequest"]
	if relayState, ok := params["RelayState"]; ok {
		signedData += "&RelayState=" + relayState
	}
	signedData += "&SigAlg=" + params["SigAlg"]

	sigAlg, err := url.QueryUnescape(params["SigAlg"])
	if err != nil {
		return fmt.Errorf("%w: malformed SigAlg: %v", ErrInvalidLogoutRequest, err)
	}

	var hash crypto.Hash
	var digest []byte
	switch sigAlg {
	case sigAlgRSASHA1:
		hash = crypto.SHA1
		d := sha1.Sum([]byte(signedData))
		digest = d[:]
	case sigAlgRSASHA256:
		hash = crypto.SHA256
		d := sha256.Sum256([]byte(signedData))
		digest = d[:]
	default:
		return fmt.Errorf("%w: unsupported signature algorithm %q", ErrInvalidLogoutRequest, sigAlg)
	}

	unescaped, err := url.QueryUnescape(sigValue)
	if err != nil {
		return fmt.Errorf("%w: malformed Signature: %v", ErrInvalidLogoutRequest, err)
	}
	signature, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		return fmt.Errorf("%w: Signature is not base64: %v", ErrInvalidLogoutRequest, err)
	}

	certs, err := c.idpCertificates()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLogoutRequest, err)
	}
	for _, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, hash, digest, signature) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: query signature does not match any registered IdP certificate", ErrInvalidLogoutRequest)
}

// rawQueryParams splits a query string without decoding the values. Only
// the first occurrence of a key counts.
func rawQueryParams(rawQuery string) map[string]string {
	params := map[string]string{}
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if _, seen := params[key]; !seen {
			params[key] = value
		}
	}
	return params
}

// idpCertificates parses every non-encryption certificate the IdP metadata
// carries.
func (c *Client) idpCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, descriptor := range c.sp.IDPMetadata.IDPSSODescriptors {
		for _, kd := range descriptor.KeyDescriptors {
			if kd.Use == "encryption" {
				continue
			}
			for _, xc := range kd.KeyInfo.X509Data.X509Certificates {
				data := strings.Map(func(r rune) rune {
					if unicode.IsSpace(r) {
						return -1
					}
					return r
				}, xc.Data)
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					return nil, fmt.Errorf("cannot decode IdP certificate: %w", err)
				}
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return nil, fmt.Errorf("cannot parse IdP certificate: %w", err)
				}
				certs = append(certs, cert)
			}
		}
	}
	if len(certs) == 0 {
		return nil, errors.New("IdP metadata carries no signing certificate")
	}
	return certs, nil
}

func decodeLogoutResponse(encoded string, deflated bool) (*saml.LogoutResponse, error) {
	raw, err := decodeMessage(encoded, deflated)
	if err != nil {
		return nil, err
	}
	var resp saml.LogoutResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// decodeMessage base64-decodes a SAML message and inflates it when it was
// carried on the redirect binding. Some IdPs skip compression even there,
// so a failed inflate falls back to the plain bytes.
func decodeMessage(encoded string, deflated bool) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if !deflated {
		return raw, nil
	}

	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil || len(inflated) == 0 {
		return raw, nil
	}
	return inflated, nil
}
