// Package invite issues and verifies invitation tokens.
//
// An invitation is a JWT signed with EdDSA by the inviting member. It names
// the space, the invited key, the authority it was admitted with, and the
// transport peer to fetch the bootstrap bundle from. The token grants
// nothing by itself: the inviter admits the key on the credential chain
// before handing the token out, and the joiner checks that admission once
// the bundle arrives.
package invite

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// DefaultTTL is how long an invitation stays valid unless the caller says
// otherwise.
const DefaultTTL = 24 * time.Hour

// Invitation is the decoded content of a token.
type Invitation struct {
	ID        string
	Space     string
	Inviter   string
	Invitee   string
	Authority ir.Authority
	Peer      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	Space     string `json:"space"`
	Authority string `json:"authority"`
	Peer      string `json:"peer,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs inv with signer, which must be the ed25519 identity named by
// inv.Inviter. A zero ID gets a fresh ULID; a zero ExpiresAt gets DefaultTTL
// from now.
func Issue(signer keys.Signer, inv Invitation, now time.Time) (string, error) {
	ed, ok := signer.(interface{ PrivateKey() ed25519.PrivateKey })
	if !ok || signer.Algorithm() != keys.Ed25519 {
		return "", fault.New(fault.InvalidArgument, "invitations require an ed25519 inviter").
			With("alg", string(signer.Algorithm()))
	}
	if inv.Inviter == "" {
		inv.Inviter = signer.PublicKey()
	}
	if inv.Inviter != signer.PublicKey() {
		return "", fault.New(fault.InvalidArgument, "signer is not the inviter")
	}
	if inv.Space == "" || inv.Invitee == "" {
		return "", fault.New(fault.InvalidArgument, "invitation needs a space and an invitee")
	}
	if _, _, err := keys.ParseKey(inv.Invitee); err != nil {
		return "", fault.Wrap(fault.InvalidArgument, err, "invitee key")
	}
	if inv.ID == "" {
		inv.ID = ulid.Make().String()
	}
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = now
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = now.Add(DefaultTTL)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		Space:     inv.Space,
		Authority: string(inv.Authority),
		Peer:      inv.Peer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        inv.ID,
			Issuer:    inv.Inviter,
			Subject:   inv.Invitee,
			IssuedAt:  jwt.NewNumericDate(inv.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(inv.ExpiresAt),
		},
	})
	signed, err := token.SignedString(ed.PrivateKey())
	if err != nil {
		return "", fault.Wrap(fault.InvalidArgument, err, "sign invitation")
	}
	return signed, nil
}

// Parse verifies token at time now and returns its content. Every failure is
// InvalidInvitation.
func Parse(token string, now time.Time) (Invitation, error) {
	var c claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	_, err := parser.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		tc, ok := t.Claims.(*claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		alg, pub, err := keys.ParseKey(tc.Issuer)
		if err != nil {
			return nil, err
		}
		if alg != keys.Ed25519 {
			return nil, errors.New("inviter key is not ed25519")
		}
		return ed25519.PublicKey(pub), nil
	})
	if err != nil {
		return Invitation{}, fault.Wrap(fault.InvalidInvitation, err, "parse invitation")
	}

	authority, err := ir.ParseAuthority(c.Authority)
	if err != nil {
		return Invitation{}, fault.Wrap(fault.InvalidInvitation, err, "invitation authority")
	}
	if c.Space == "" || c.Subject == "" || c.ID == "" {
		return Invitation{}, fault.New(fault.InvalidInvitation, "invitation is missing required claims")
	}
	inv := Invitation{
		ID:        c.ID,
		Space:     c.Space,
		Inviter:   c.Issuer,
		Invitee:   c.Subject,
		Authority: authority,
		Peer:      c.Peer,
	}
	if c.IssuedAt != nil {
		inv.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		inv.ExpiresAt = c.ExpiresAt.Time
	}
	return inv, nil
}
