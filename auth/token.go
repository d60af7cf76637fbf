package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/Pallinder/go-randomdata"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenTTL = 15 * time.Minute

var ErrInvalidToken = errors.New("invalid access token")

// Identity is the authenticated principal behind a websocket session.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

type claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	gojwt.RegisteredClaims
}

// Issuer mints and verifies HS256 access tokens. Session issuance and
// password auth live outside this engine; the sequencer host only needs to
// know who is on the other end of a connection.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: accessTokenTTL}
}

func (i *Issuer) Mint(id Identity) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims{
		UserID: id.UserID,
		Email:  id.Email,
		Name:   id.Name,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) Verify(tokenString string) (Identity, error) {
	var parsed claims
	token, err := gojwt.ParseWithClaims(tokenString, &parsed, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid || parsed.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: parsed.UserID, Email: parsed.Email, Name: parsed.Name}, nil
}

// Guest mints a throwaway identity for share-by-URL joins. An empty name
// gets a generated one, the same way anonymous editor sessions are named.
func (i *Issuer) Guest(name string) (Identity, string, error) {
	if name == "" {
		name = randomdata.SillyName()
	}
	id := Identity{UserID: uuid.NewString(), Name: name}
	token, err := i.Mint(id)
	if err != nil {
		return Identity{}, "", err
	}
	return id, token, nil
}
