package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	sectoken "gambit/cmd/security/token"
)

// AccessClaims is the minimal identity envelope carried on every request.
type AccessClaims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// DeviceClaims binds a token to a (user, device) pair. Refresh and email
// tokens share this shape; the signing secret keeps the kinds apart.
type DeviceClaims struct {
	UserID   int64 `json:"userId"`
	DeviceID int64 `json:"deviceId"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the three token kinds.
type Codec interface {
	SignAccess(userID int64, now time.Time) (token string, exp time.Time, err error)
	SignRefresh(userID, deviceID int64, now time.Time) (token string, exp time.Time, err error)
	SignEmail(userID, deviceID int64, now time.Time) (token string, exp time.Time, err error)

	VerifyAccess(token string, now time.Time) (AccessClaims, error)
	VerifyRefresh(token string, now time.Time) (DeviceClaims, error)
	VerifyEmail(token string, now time.Time) (DeviceClaims, error)

	// PeekRefresh authenticates the signature and issuer but skips the
	// time-based claims, so an expired refresh token can still name its
	// (user, device) pair during revocation. Never use it to grant access.
	PeekRefresh(token string) (DeviceClaims, error)
}

type hmacCodec struct {
	cfg Config
}

// NewHMACCodec builds a Codec using HMAC-SHA256 with one secret per kind.
func NewHMACCodec(cfg Config) (Codec, error) {
	if cfg.Issuer == "" || cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.EmailTTL <= 0 {
		return nil, ErrConfig
	}
	for _, k := range []sectoken.Kind{sectoken.KindAccess, sectoken.KindRefresh, sectoken.KindEmail} {
		if len(cfg.Secrets[k]) < sectoken.MinSecretBytes {
			return nil, ErrConfig
		}
	}
	return &hmacCodec{cfg: cfg}, nil
}

func (c *hmacCodec) SignAccess(userID int64, now time.Time) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(c.cfg.AccessTTL)
	claims := AccessClaims{
		UserID:           userID,
		RegisteredClaims: c.registered(now, exp),
	}
	signed, err := c.sign(sectoken.KindAccess, claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *hmacCodec) SignRefresh(userID, deviceID int64, now time.Time) (string, time.Time, error) {
	return c.signDevice(sectoken.KindRefresh, userID, deviceID, now)
}

func (c *hmacCodec) SignEmail(userID, deviceID int64, now time.Time) (string, time.Time, error) {
	return c.signDevice(sectoken.KindEmail, userID, deviceID, now)
}

func (c *hmacCodec) signDevice(kind sectoken.Kind, userID, deviceID int64, now time.Time) (string, time.Time, error) {
	if userID <= 0 || deviceID <= 0 {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(c.cfg.ttlFor(kind))
	claims := DeviceClaims{
		UserID:           userID,
		DeviceID:         deviceID,
		RegisteredClaims: c.registered(now, exp),
	}
	signed, err := c.sign(kind, claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *hmacCodec) VerifyAccess(tokenStr string, now time.Time) (AccessClaims, error) {
	var claims AccessClaims
	if err := c.verify(sectoken.KindAccess, tokenStr, now, &claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.UserID <= 0 {
		return AccessClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *hmacCodec) VerifyRefresh(tokenStr string, now time.Time) (DeviceClaims, error) {
	return c.verifyDevice(sectoken.KindRefresh, tokenStr, now)
}

func (c *hmacCodec) VerifyEmail(tokenStr string, now time.Time) (DeviceClaims, error) {
	return c.verifyDevice(sectoken.KindEmail, tokenStr, now)
}

func (c *hmacCodec) PeekRefresh(tokenStr string) (DeviceClaims, error) {
	secret, ok := c.cfg.Secrets[sectoken.KindRefresh]
	if !ok {
		return DeviceClaims{}, ErrConfig
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims DeviceClaims
	parsed, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return DeviceClaims{}, ErrInvalidToken
	}
	if claims.Issuer != c.cfg.Issuer || claims.UserID <= 0 || claims.DeviceID <= 0 {
		return DeviceClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *hmacCodec) verifyDevice(kind sectoken.Kind, tokenStr string, now time.Time) (DeviceClaims, error) {
	var claims DeviceClaims
	if err := c.verify(kind, tokenStr, now, &claims); err != nil {
		return DeviceClaims{}, err
	}
	if claims.UserID <= 0 || claims.DeviceID <= 0 {
		return DeviceClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *hmacCodec) registered(now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    c.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (c *hmacCodec) sign(kind sectoken.Kind, claims jwt.Claims) (string, error) {
	secret, ok := c.cfg.Secrets[kind]
	if !ok {
		return "", ErrConfig
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", ErrConfig
	}
	return signed, nil
}

func (c *hmacCodec) verify(kind sectoken.Kind, tokenStr string, now time.Time, claims jwt.Claims) error {
	secret, ok := c.cfg.Secrets[kind]
	if !ok {
		return ErrConfig
	}

	// A fresh parser per call keeps validation rules explicit and avoids
	// accepting any algorithm the header happens to name.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
