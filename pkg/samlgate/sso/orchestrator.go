package sso

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
	"github.com/samlgate/samlgate/pkg/samlgate/ledger"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"github.com/samlgate/samlgate/pkg/samlgate/spconfig"
	"github.com/samlgate/samlgate/pkg/samlgate/toolkit"
)

var (
	// ErrMissingInResponseTo is returned when a response arrives without an
	// InResponseTo attribute. Unsolicited (IdP-initiated) responses are not
	// accepted.
	ErrMissingInResponseTo = errors.New("could not authenticate due to missing AuthNRequestID")

	// ErrNoMatchingRequest is returned when the InResponseTo value matches
	// no login request this service issued for the tenant.
	ErrNoMatchingRequest = errors.New("could not match InResponseTo db entries")

	// ErrAlreadyProcessed is returned when the response replays a request id
	// that was already redeemed.
	ErrAlreadyProcessed = errors.New("could not authenticate due to already processed AuthNRequestID")

	// ErrAuthFailed is returned when the response correlates correctly but
	// fails validation.
	ErrAuthFailed = errors.New("could not authenticate")
)

// Toolkit is the per-tenant SAML operation surface the orchestrator drives.
// The production implementation wraps a configured service provider; tests
// substitute a fake.
type Toolkit interface {
	BuildAuthnRequest(relayState string) (*url.URL, string, error)
	ExtractInResponseTo(encodedResponse string) (string, error)
	ValidateResponse(encodedResponse string, possibleRequestIDs []string) *toolkit.Validation
	SPMetadata() ([]byte, error)
	BuildLogoutRequest(nameID, relayState string) (*url.URL, error)
	BuildLogoutResponse(inResponseTo, relayState string) (*url.URL, error)
	ValidateLogoutResponsePost(encodedResponse string) error
	ValidateLogoutResponseQuery(encodedResponse string) error
	ValidateLogoutResponseRequest(r *http.Request) error
	VerifyLogoutRequestSignature(rawQuery string, required bool) error
	ParseLogoutRequest(encodedRequest string, deflated bool) (*toolkit.LogoutRequestDetails, error)
}

// ToolkitFactory builds the toolkit for one tenant. Each request gets a
// fresh instance so tenants never share provider state.
type ToolkitFactory func(tenant *models.Tenant) (Toolkit, error)

// DefaultToolkitFactory builds real service providers from the tenant
// record and process configuration.
func DefaultToolkitFactory(opts *config.Options) ToolkitFactory {
	return func(tenant *models.Tenant) (Toolkit, error) {
		sp, err := spconfig.Build(opts, tenant)
		if err != nil {
			return nil, err
		}
		return toolkit.NewClient(sp), nil
	}
}

// ACSResult is the outcome of a successful ACS exchange.
type ACSResult struct {
	NameID       string
	SessionIndex string
	Attributes   map[string][]string
	// LedgerID is the row id of the consumed login request, the stable
	// handle for audit queries. RequestID is the SAML request id it was
	// recorded under; unlike LedgerID it is chosen by the toolkit, not by
	// this service.
	LedgerID    uint
	RequestID   string
	RedirectURL string
}

// Orchestrator drives the authentication flows for all tenants.
type Orchestrator struct {
	opts      *config.Options
	ledger    *ledger.Ledger
	factory   ToolkitFactory
	Listeners Listeners
}

// NewOrchestrator wires the flows together.
func NewOrchestrator(opts *config.Options, l *ledger.Ledger, factory ToolkitFactory) *Orchestrator {
	return &Orchestrator{opts: opts, ledger: l, factory: factory}
}

// Login starts the SP-initiated flow for a tenant: it builds the
// authentication request, records its id for later correlation, and returns
// the IdP URL to send the browser to. returnTo, when non-empty, is where
// the browser lands after the round trip.
func (o *Orchestrator) Login(tenant *models.Tenant, returnTo string) (*url.URL, error) {
	tk, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}

	target := o.returnTarget(tenant, returnTo)

	redirect, requestID, err := tk.BuildAuthnRequest(target)
	if err != nil {
		return nil, err
	}

	entry, err := o.ledger.Record(tenant.ID, requestID, returnTo)
	if err != nil {
		return nil, fmt.Errorf("cannot record login request: %w", err)
	}
	o.Listeners.fireLoginInitiated(tenant, entry)

	log.Info().
		Str("tenant_uuid", tenant.UUID).
		Str("request_id", requestID).
		Msg("login started")

	return redirect, nil
}

// ACS processes the IdP's POST-back. The matching ledger entry is consumed
// before the response content is judged, so a request id can never be
// redeemed twice no matter how validation turns out.
func (o *Orchestrator) ACS(tenant *models.Tenant, encodedResponse string) (*ACSResult, error) {
	tk, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}

	inResponseTo, err := tk.ExtractInResponseTo(encodedResponse)
	if err != nil || inResponseTo == "" {
		return nil, ErrMissingInResponseTo
	}

	entry, err := o.ledger.Consume(tenant.ID, inResponseTo)
	switch {
	case errors.Is(err, ledger.ErrNoMatch):
		return nil, ErrNoMatchingRequest
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return nil, ErrAlreadyProcessed
	case err != nil:
		return nil, err
	}

	validation := tk.ValidateResponse(encodedResponse, []string{inResponseTo})
	if !validation.Ok() {
		log.Warn().
			Str("tenant_uuid", tenant.UUID).
			Str("request_id", inResponseTo).
			Strs("reasons", validation.Errors).
			Msg("response validation failed")
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, strings.Join(validation.Errors, "; "))
	}

	result := &ACSResult{
		NameID:       validation.NameID,
		SessionIndex: validation.SessionIndex,
		Attributes:   validation.Attributes,
		LedgerID:     entry.ID,
		RequestID:    inResponseTo,
	}

	override, err := o.Listeners.fireSignedIn(tenant, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	switch {
	case override != "":
		result.RedirectURL = override
	case entry.ReturnTo != "":
		result.RedirectURL = entry.ReturnTo
	default:
		result.RedirectURL = o.returnTarget(tenant, "")
	}

	log.Info().
		Str("tenant_uuid", tenant.UUID).
		Str("name_id", result.NameID).
		Msg("login completed")

	return result, nil
}

// Logout starts SP-initiated single logout for the signed-in subject.
func (o *Orchestrator) Logout(tenant *models.Tenant, nameID, returnTo string) (*url.URL, error) {
	tk, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}

	relayState := returnTo
	if relayState == "" {
		relayState = o.opts.LogoutRoute
	}

	return tk.BuildLogoutRequest(nameID, relayState)
}

// SLS handles the single logout callback, whichever direction it travels.
func (o *Orchestrator) SLS(tenant *models.Tenant, r *http.Request) (*SLSResult, error) {
	tk, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}

	msg := ClassifyLogoutMessage(r)
	result, err := dispatchLogout(tk, o.opts, msg, r)
	if err != nil {
		return nil, err
	}

	if result.ClearSession {
		o.Listeners.fireSignedOut(tenant, result.NameID)
	}

	return result, nil
}

// Metadata renders the tenant's SP metadata document.
func (o *Orchestrator) Metadata(tenant *models.Tenant) ([]byte, error) {
	tk, err := o.factory(tenant)
	if err != nil {
		return nil, err
	}
	return tk.SPMetadata()
}

// returnTarget resolves the post-login landing URL: explicit returnTo, then
// the tenant's relay state URL, then the process-wide login route.
func (o *Orchestrator) returnTarget(tenant *models.Tenant, returnTo string) string {
	if returnTo != "" {
		return returnTo
	}
	if tenant.RelayStateURL != "" {
		return tenant.RelayStateURL
	}
	return o.opts.LoginRoute
}
