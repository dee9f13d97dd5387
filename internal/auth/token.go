package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	kindPatient = "patient"
	kindStaff   = "staff"
)

type Claims struct {
	jwt.RegisteredClaims
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Tokens issues and parses HS256 access tokens carrying an Identity.
type Tokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret []byte, issuer string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{key: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(id Identity) (string, time.Time, error) {
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	switch who := id.(type) {
	case Patient:
		claims.Kind = kindPatient
		claims.Name = who.Name
		claims.Phone = who.Phone
	case Staff:
		claims.Kind = kindStaff
		claims.Username = who.Username
		claims.Role = who.Role
	default:
		return "", time.Time{}, fmt.Errorf("unsupported identity %T", id)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (t *Tokens) Parse(raw string) (Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	switch claims.Kind {
	case kindPatient:
		return Patient{PatientID: claims.Subject, Name: claims.Name, Phone: claims.Phone}, nil
	case kindStaff:
		return Staff{StaffID: claims.Subject, Username: claims.Username, Role: claims.Role}, nil
	default:
		return nil, ErrInvalidToken
	}
}
