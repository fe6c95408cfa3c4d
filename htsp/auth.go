package htsp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("htsp: token expired")

// credentials presented on the websocket upgrade.
// A bearer `Token` takes precedence over basic `Username`/`Password`.
type ClientAuth struct {
	Username string
	Password string
	Token    string
}

type TokenClaims struct {
	Subject string
	// zero when the token does not expire
	ExpiresAt time.Time
}

// reads the claims the client needs without verifying the signature.
// The server verifies; the client only avoids dialing with a token it knows is stale.
func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := &TokenClaims{}
	if subject, err := parsedToken.Claims.GetSubject(); err == nil {
		claims.Subject = subject
	}
	if expiresAt, err := parsedToken.Claims.GetExpirationTime(); err == nil && expiresAt != nil {
		claims.ExpiresAt = expiresAt.Time
	}
	return claims, nil
}

// request headers for the upgrade. nil auth has no headers.
func (self *ClientAuth) Header(now time.Time) (http.Header, error) {
	header := http.Header{}
	if self == nil {
		return header, nil
	}

	if self.Token != "" {
		claims, err := ParseTokenUnverified(self.Token)
		if err != nil {
			return nil, err
		}
		if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
			return nil, fmt.Errorf("%w: %s expired at %s", ErrTokenExpired, claims.Subject, claims.ExpiresAt.Format(time.RFC3339))
		}
		header.Set("Authorization", "Bearer "+self.Token)
	} else if self.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(self.Username + ":" + self.Password))
		header.Set("Authorization", "Basic "+credentials)
	}
	return header, nil
}
