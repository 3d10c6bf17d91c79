package wsproto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
)

// claims is the minimal JWT claim set spec §6.4 derives an Identity
// from: issuer and subject. Verification of the token itself (spec:
// "the validator is external and only supplies verified claims") is
// this package's one external collaborator; Authenticator is the seam.
type claims struct {
	jwt.RegisteredClaims
}

// Authenticator verifies an inbound bearer token and mints fresh
// tokens for newly-assigned identities, so the IdentityToken handshake
// message (spec §4.7) can echo an authenticated caller's token or hand
// out a usable one to an anonymous connection.
type Authenticator interface {
	Verify(token string) (issuer, subject string, err error)
	Issue(issuer, subject string) (string, error)
}

// HMACAuthenticator is a golang-jwt/v4-backed Authenticator signing
// and verifying with a single shared HMAC secret. Real deployments may
// swap in an OIDC-backed Authenticator; this is the default the
// engine boots with when no external identity provider is configured.
type HMACAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewHMACAuthenticator builds an Authenticator that signs and verifies
// tokens with secret. Issue signs under the issuer its caller passes;
// the issuer given here is stored but not used for signing.
func NewHMACAuthenticator(secret []byte, issuer string, ttl time.Duration) *HMACAuthenticator {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &HMACAuthenticator{secret: secret, issuer: issuer, ttl: ttl}
}

func (a *HMACAuthenticator) Verify(token string) (string, string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", engineerr.Wrap(engineerr.AuthFailed, "verify token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" || c.Issuer == "" {
		return "", "", engineerr.New(engineerr.AuthFailed, "token missing issuer/subject")
	}
	return c.Issuer, c.Subject, nil
}

func (a *HMACAuthenticator) Issue(issuer, subject string) (string, error) {
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", engineerr.Wrap(engineerr.InternalTrap, "sign token", err)
	}
	return signed, nil
}

// resolveIdentity implements the IdentityToken handshake (spec §4.7):
// a bearer token verifies to an existing identity and is echoed back;
// no token (or a failed verification) mints a fresh anonymous identity
// and a token the client should present on reconnect.
func resolveIdentity(auth Authenticator, bearer string) (identity.Identity, string, error) {
	if bearer != "" {
		if issuer, subject, err := auth.Verify(bearer); err == nil {
			return identity.Derive(issuer, subject), bearer, nil
		}
	}
	subject := identity.NewConnectionId().String()
	const anonymousIssuer = "spacetimedb-anonymous"
	token, err := auth.Issue(anonymousIssuer, subject)
	if err != nil {
		return identity.Identity{}, "", err
	}
	return identity.Derive(anonymousIssuer, subject), token, nil
}
