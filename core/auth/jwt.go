// Package auth implements HS256 JWT signing and verification plus the
// route middleware that enforces it.
//
// Verification is strict: the algorithm is pinned to HS256, the signature
// is checked before any claim is parsed, and iat, nbf and exp are
// mandatory. Missing, expired or malformed credentials map to 401; a valid
// token presented with the wrong issuer, audience, type or scope maps
// to 403.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token type markers, carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// clockSkew is the leeway applied to exp and nbf checks.
const clockSkew = 30 * time.Second

// maxTTL caps how far in the future an exp may sit. Tokens minted with a
// longer lifetime are rejected outright.
const maxTTL = 30 * 24 * time.Hour

// Verification errors. ErrWrongIssuer, ErrWrongAudience, ErrWrongTokenType
// and ErrInsufficientScope surface to clients as 403; the rest as 401.
var (
	ErrMalformedToken    = errors.New("auth: malformed token")
	ErrUnexpectedAlg     = errors.New("auth: unexpected signing algorithm")
	ErrBadSignature      = errors.New("auth: signature mismatch")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenNotYetValid  = errors.New("auth: token not yet valid")
	ErrTTLTooLong        = errors.New("auth: token lifetime exceeds maximum")
	ErrWrongIssuer       = errors.New("auth: wrong issuer")
	ErrWrongAudience     = errors.New("auth: wrong audience")
	ErrWrongTokenType    = errors.New("auth: wrong token type")
	ErrMissingClaim      = errors.New("auth: required claim missing")
	ErrInsufficientScope = errors.New("auth: insufficient scope")
)

// Claims is the registered claim set RamAPI issues and accepts.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Audience  string   `json:"aud,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	TokenType string   `json:"typ,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`

	// Extra carries application claims the registered set has no field
	// for. Verification never inspects it.
	Extra map[string]any `json:"extra,omitempty"`
}

// HasScope reports whether the claim set carries the scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Signer mints and verifies tokens for one issuer/audience pair with a
// shared HS256 secret.
type Signer struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Options configures a Signer. Zero TTLs fall back to 15 minutes for
// access tokens and 7 days for refresh tokens.
type Options struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewSigner builds a Signer. The secret must be at least 32 bytes.
func NewSigner(opts Options) (*Signer, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	if opts.AccessTTL == 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.AccessTTL > maxTTL || opts.RefreshTTL > maxTTL {
		return nil, ErrTTLTooLong
	}
	return &Signer{
		secret:     opts.Secret,
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        time.Now,
	}, nil
}

// Sign mints a token for the claims, filling iss, aud, jti, iat, nbf and
// exp when unset. The caller chooses typ and scopes.
func (s *Signer) Sign(claims Claims) (string, error) {
	now := s.now()
	if claims.Issuer == "" {
		claims.Issuer = s.issuer
	}
	if claims.Audience == "" {
		claims.Audience = s.audience
	}
	if claims.TokenID == "" {
		claims.TokenID = uuid.NewString()
	}
	if claims.IssuedAt == 0 {
		claims.IssuedAt = now.Unix()
	}
	if claims.NotBefore == 0 {
		claims.NotBefore = now.Unix()
	}
	if claims.TokenType == "" {
		claims.TokenType = TypeAccess
	}
	if claims.ExpiresAt == 0 {
		ttl := s.accessTTL
		if claims.TokenType == TypeRefresh {
			ttl = s.refreshTTL
		}
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	if time.Unix(claims.ExpiresAt, 0).Sub(now) > maxTTL {
		return "", ErrTTLTooLong
	}

	hdr, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("auth: encode header: %w", err)
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: encode claims: %w", err)
	}

	signing := b64(hdr) + "." + b64(body)
	return signing + "." + b64(s.sign(signing)), nil
}

// TokenPair is an access token plus the refresh token that renews it.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// SignPair mints an access/refresh pair for a subject. Scopes are carried
// only on the access token; the refresh token grants renewal, nothing else.
func (s *Signer) SignPair(subject string, scopes []string) (TokenPair, error) {
	access, err := s.Sign(Claims{Subject: subject, Scopes: scopes, TokenType: TypeAccess})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.Sign(Claims{Subject: subject, TokenType: TypeRefresh})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Refresh verifies a refresh token and mints a new pair for its subject.
// The provided scopes are attached to the new access token.
func (s *Signer) Refresh(refreshToken string, scopes []string) (TokenPair, error) {
	claims, err := s.Verify(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != TypeRefresh {
		return TokenPair{}, ErrWrongTokenType
	}
	return s.SignPair(claims.Subject, scopes)
}

// Verify checks signature first, then claims, and returns the claim set.
func (s *Signer) Verify(token string) (*Claims, error) {
	dot2 := strings.LastIndexByte(token, '.')
	if dot2 <= 0 {
		return nil, ErrMalformedToken
	}
	signing := token[:dot2]
	dot1 := strings.IndexByte(signing, '.')
	if dot1 <= 0 || dot1 == len(signing)-1 {
		return nil, ErrMalformedToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(token[dot2+1:])
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(sig, s.sign(signing)) {
		return nil, ErrBadSignature
	}

	hdrRaw, err := base64.RawURLEncoding.DecodeString(signing[:dot1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var hdr header
	if err := json.Unmarshal(hdrRaw, &hdr); err != nil {
		return nil, ErrMalformedToken
	}
	if hdr.Alg != "HS256" {
		return nil, ErrUnexpectedAlg
	}

	bodyRaw, err := base64.RawURLEncoding.DecodeString(signing[dot1+1:])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(bodyRaw, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	now := s.now()
	if claims.IssuedAt == 0 || claims.NotBefore == 0 || claims.ExpiresAt == 0 {
		return nil, ErrMissingClaim
	}
	if now.After(time.Unix(claims.ExpiresAt, 0).Add(clockSkew)) {
		return nil, ErrTokenExpired
	}
	if time.Unix(claims.ExpiresAt, 0).Sub(now) > maxTTL {
		return nil, ErrTTLTooLong
	}
	if now.Add(clockSkew).Before(time.Unix(claims.NotBefore, 0)) {
		return nil, ErrTokenNotYetValid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrWrongIssuer
	}
	if s.audience != "" && claims.Audience != s.audience {
		return nil, ErrWrongAudience
	}

	return &claims, nil
}

func (s *Signer) sign(data string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
