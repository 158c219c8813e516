package sso

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie carrying the signed-in session token.
const SessionCookieName = "samlgate_session"

// SessionClaims is the JWT payload issued after a successful ACS exchange.
// The tenant uuid is embedded so a session issued under one tenant can
// never be replayed against another.
type SessionClaims struct {
	NameID       string `json:"name_id"`
	TenantUUID   string `json:"tenant_uuid"`
	SessionIndex string `json:"session_index,omitempty"`
	// RequestID is the consumed login request id this session was minted
	// for, LedgerID the row id it was recorded under. Both are kept for
	// audit trails: the request id ties the session to the SAML exchange,
	// the ledger id to the correlation record.
	RequestID string `json:"request_id,omitempty"`
	LedgerID  uint   `json:"ledger_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueSessionToken creates a signed session token for the authenticated
// subject.
func IssueSessionToken(secret []byte, tenantUUID, nameID, sessionIndex, requestID string, ledgerID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		NameID:       nameID,
		TenantUUID:   tenantUUID,
		SessionIndex: sessionIndex,
		RequestID:    requestID,
		LedgerID:     ledgerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseSessionToken validates a session token and returns its claims.
func ParseSessionToken(secret []byte, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
