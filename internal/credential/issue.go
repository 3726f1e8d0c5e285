package credential

import (
	"fmt"

	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// Issue builds and signs a credential.
func Issue(signer keys.Signer, subject string, assertion ir.AssertionType, payload ir.Map) (ir.Credential, error) {
	c := ir.Credential{
		Issuer:    signer.PublicKey(),
		Subject:   subject,
		Assertion: assertion,
		Payload:   payload,
	}
	digest, err := ir.CredentialDigest(c)
	if err != nil {
		return ir.Credential{}, fmt.Errorf("issue %s: %w", assertion, err)
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return ir.Credential{}, fmt.Errorf("issue %s: sign: %w", assertion, err)
	}
	c.Signature = sig
	return c, nil
}

// Genesis is the space key's admission of the space owner.
func Genesis(space keys.Signer, owner string) (ir.Credential, error) {
	return Admit(space, owner, ir.AuthorityOwner)
}

// Admit admits subject (or changes its authority).
func Admit(issuer keys.Signer, subject string, authority ir.Authority) (ir.Credential, error) {
	return Issue(issuer, subject, ir.AssertAdmit, ir.Map{"authority": ir.String(authority)})
}

// Revoke removes subject from the membership.
func Revoke(issuer keys.Signer, subject string) (ir.Credential, error) {
	return Issue(issuer, subject, ir.AssertRevoke, nil)
}

// Delegate grants subject a capability.
func Delegate(issuer keys.Signer, subject string, capability ir.Capability) (ir.Credential, error) {
	return Issue(issuer, subject, ir.AssertDelegate, ir.Map{"capability": ir.String(capability)})
}

// SetEpochRoot commits an epoch record. The subject is the space key.
func SetEpochRoot(issuer keys.Signer, spaceID string, epoch ir.Epoch) (ir.Credential, error) {
	payload, err := ir.EpochPayload(epoch)
	if err != nil {
		return ir.Credential{}, err
	}
	return Issue(issuer, spaceID, ir.AssertEpoch, payload)
}
