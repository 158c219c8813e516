package sso

import (
	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
)

// LoginInitiatedListener runs after a login request has been recorded,
// before the browser is redirected to the IdP.
type LoginInitiatedListener func(tenant *models.Tenant, request *models.LoginRequest)

// SignedInListener runs after a successful ACS exchange. Returning a
// non-empty string overrides the post-login redirect; the first listener to
// do so wins. Returning an error aborts the login.
type SignedInListener func(tenant *models.Tenant, result *ACSResult) (string, error)

// SignedOutListener runs after single logout completes for a tenant.
type SignedOutListener func(tenant *models.Tenant, nameID string)

// Listeners holds the registered flow hooks. Registration is expected at
// boot, before the server starts; the registry is not safe for concurrent
// mutation.
type Listeners struct {
	loginInitiated []LoginInitiatedListener
	signedIn       []SignedInListener
	signedOut      []SignedOutListener
}

// OnLoginInitiated registers fn to run when a login flow starts.
func (l *Listeners) OnLoginInitiated(fn LoginInitiatedListener) {
	l.loginInitiated = append(l.loginInitiated, fn)
}

// OnSignedIn registers fn to run after successful logins.
func (l *Listeners) OnSignedIn(fn SignedInListener) {
	l.signedIn = append(l.signedIn, fn)
}

// OnSignedOut registers fn to run after single logout.
func (l *Listeners) OnSignedOut(fn SignedOutListener) {
	l.signedOut = append(l.signedOut, fn)
}

func (l *Listeners) fireLoginInitiated(tenant *models.Tenant, request *models.LoginRequest) {
	for _, fn := range l.loginInitiated {
		fn(tenant, request)
	}
}

func (l *Listeners) fireSignedIn(tenant *models.Tenant, result *ACSResult) (string, error) {
	var override string
	for _, fn := range l.signedIn {
		redirect, err := fn(tenant, result)
		if err != nil {
			return "", err
		}
		if override == "" && redirect != "" {
			override = redirect
		}
	}
	return override, nil
}

func (l *Listeners) fireSignedOut(tenant *models.Tenant, nameID string) {
	for _, fn := range l.signedOut {
		fn(tenant, nameID)
	}
	if len(l.signedOut) > 0 {
		log.Debug().Str("tenant_uuid", tenant.UUID).Msg("signed-out listeners notified")
	}
}
