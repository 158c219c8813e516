package sso

import (
	"errors"
	"net/http"

	"github.com/crewjam/saml"
	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/config"
)

// ErrLogoutMessageNotFound is returned when an SLS callback carries neither
// a LogoutResponse nor a LogoutRequest. There is nothing to act on and no
// IdP to answer, so the caller must fail the request.
var ErrLogoutMessageNotFound = errors.New("no logout message found in request")

// LogoutMessageKind classifies what an SLS callback carries.
type LogoutMessageKind int

const (
	// LogoutMessageNone means the callback carried no SAML message.
	LogoutMessageNone LogoutMessageKind = iota
	// LogoutMessageResponse is an IdP's answer to our logout request.
	LogoutMessageResponse
	// LogoutMessageRequest is an IdP-initiated logout request.
	LogoutMessageRequest
)

// LogoutMessage is the classified content of an SLS callback. It carries
// everything logout dispatch needs, so no request state has to be consulted
// after classification.
type LogoutMessage struct {
	Kind       LogoutMessageKind
	Binding    string
	Payload    string
	RelayState string
}

// ClassifyLogoutMessage inspects an SLS callback and extracts the logout
// message it carries. A LogoutResponse is preferred over a LogoutRequest
// when both are somehow present, on either binding. An inbound
// LogoutRequest is accepted on the redirect binding only; a POST-bound
// request classifies as none and fails the callback.
func ClassifyLogoutMessage(r *http.Request) LogoutMessage {
	postResponse := r.PostFormValue("SAMLResponse")
	queryResponse := r.URL.Query().Get("SAMLResponse")
	queryRequest := r.URL.Query().Get("SAMLRequest")

	switch {
	case postResponse != "":
		return LogoutMessage{
			Kind:       LogoutMessageResponse,
			Binding:    saml.HTTPPostBinding,
			Payload:    postResponse,
			RelayState: r.PostFormValue("RelayState"),
		}
	case queryResponse != "":
		return LogoutMessage{
			Kind:       LogoutMessageResponse,
			Binding:    saml.HTTPRedirectBinding,
			Payload:    queryResponse,
			RelayState: r.URL.Query().Get("RelayState"),
		}
	case queryRequest != "":
		return LogoutMessage{
			Kind:       LogoutMessageRequest,
			Binding:    saml.HTTPRedirectBinding,
			Payload:    queryRequest,
			RelayState: r.URL.Query().Get("RelayState"),
		}
	default:
		return LogoutMessage{Kind: LogoutMessageNone}
	}
}

// SLSResult tells the HTTP layer what to do after logout dispatch: where to
// send the browser and whether the local session is over.
type SLSResult struct {
	Kind         LogoutMessageKind
	RedirectURL  string
	ClearSession bool
	NameID       string
}

// dispatchLogout routes a classified logout message. Responses end the local
// session and land on the post-logout route; requests end the session and
// bounce the browser back to the IdP with a LogoutResponse; anything else is
// a hard error.
func dispatchLogout(tk Toolkit, opts *config.Options, msg LogoutMessage, r *http.Request) (*SLSResult, error) {
	switch msg.Kind {
	case LogoutMessageResponse:
		var err error
		switch {
		case opts.RetrieveParamsFromServer && msg.Binding == saml.HTTPRedirectBinding:
			err = tk.ValidateLogoutResponseRequest(r)
		case msg.Binding == saml.HTTPPostBinding:
			err = tk.ValidateLogoutResponsePost(msg.Payload)
		default:
			err = tk.ValidateLogoutResponseQuery(msg.Payload)
		}
		if err != nil {
			return nil, err
		}

		redirect := msg.RelayState
		if redirect == "" {
			redirect = opts.LogoutRoute
		}
		return &SLSResult{
			Kind:         LogoutMessageResponse,
			RedirectURL:  redirect,
			ClearSession: true,
		}, nil

	case LogoutMessageRequest:
		// The redirect binding carries a detached query signature; check it
		// against the tenant's IdP certificates before trusting the request.
		if msg.Binding == saml.HTTPRedirectBinding {
			if err := tk.VerifyLogoutRequestSignature(r.URL.RawQuery, opts.RequireSignedLogout); err != nil {
				return nil, err
			}
		}

		details, err := tk.ParseLogoutRequest(msg.Payload, msg.Binding == saml.HTTPRedirectBinding)
		if err != nil {
			return nil, err
		}

		responseURL, err := tk.BuildLogoutResponse(details.ID, msg.RelayState)
		if err != nil {
			return nil, err
		}

		log.Debug().
			Str("logout_request_id", details.ID).
			Str("issuer", details.Issuer).
			Msg("answering IdP-initiated logout")

		return &SLSResult{
			Kind:         LogoutMessageRequest,
			RedirectURL:  responseURL.String(),
			ClearSession: true,
			NameID:       details.NameID,
		}, nil

	default:
		return nil, ErrLogoutMessageNotFound
	}
}
