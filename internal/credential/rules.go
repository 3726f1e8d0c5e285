package credential

import (
	"slices"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// effect is what an accepted credential does to the state.
type effect struct {
	member ir.Member

	// snapshot and epoch are set when a set-epoch-root moves the chain to
	// a new epoch. A replay of the current epoch leaves them nil.
	snapshot *ir.EpochSnapshot
	epoch    ir.Epoch
}

// check evaluates e against st without changing it: signature, payload
// schema, then issuer authority.
func (c *Chain) check(st *state, e Entry) (effect, error) {
	cred := e.Credential
	digest, err := ir.CredentialDigest(cred)
	if err != nil {
		return effect{}, fault.Wrap(fault.MalformedAssertion, err, "credential digest")
	}
	if err := keys.Verify(cred.Issuer, digest, cred.Signature); err != nil {
		return effect{}, err
	}
	if err := c.schema.validate(cred); err != nil {
		return effect{}, err
	}

	switch cred.Assertion {
	case ir.AssertAdmit:
		return c.checkAdmit(st, cred)
	case ir.AssertRevoke:
		return c.checkRevoke(st, cred)
	case ir.AssertDelegate:
		return c.checkDelegate(st, cred)
	case ir.AssertEpoch:
		return c.checkEpoch(st, cred)
	}
	return effect{}, fault.New(fault.MalformedAssertion, "unknown assertion %q", cred.Assertion)
}

func unauthorized(cred ir.Credential, format string, args ...any) *fault.Error {
	return fault.New(fault.UnauthorizedIssuer, format, args...).
		With("issuer", keys.Short(cred.Issuer)).
		With("assertion", cred.Assertion)
}

func (c *Chain) checkAdmit(st *state, cred ir.Credential) (effect, error) {
	auth := ir.Authority(payloadString(cred.Payload, "authority"))

	if cred.Issuer == c.spaceID {
		if auth == ir.AuthorityOwner && len(st.members) == 0 && st.epoch.Number == 0 {
			return effect{member: ir.Member{Key: cred.Subject, Authority: auth}}, nil
		}
		return effect{}, unauthorized(cred, "space key may only issue the genesis admission")
	}

	issuer, ok := st.members[cred.Issuer]
	if !ok {
		return effect{}, unauthorized(cred, "issuer is not a member")
	}
	existing, exists := st.members[cred.Subject]

	switch {
	case issuer.Authority.AtLeast(ir.AuthorityAdmin):
		if auth.Rank() > issuer.Authority.Rank() {
			return effect{}, unauthorized(cred, "%s cannot grant %s", issuer.Authority, auth)
		}
		if exists && existing.Authority.Rank() > issuer.Authority.Rank() {
			return effect{}, unauthorized(cred, "%s cannot change a %s", issuer.Authority, existing.Authority)
		}
	case issuer.Has(ir.CapAdmit):
		if auth.Rank() > ir.AuthorityWriter.Rank() {
			return effect{}, unauthorized(cred, "admit capability cannot grant %s", auth)
		}
		if exists && existing.Authority.Rank() > ir.AuthorityWriter.Rank() {
			return effect{}, unauthorized(cred, "admit capability cannot change a %s", existing.Authority)
		}
	default:
		return effect{}, unauthorized(cred, "%s cannot admit members", issuer.Authority)
	}

	m := ir.Member{Key: cred.Subject, Authority: auth}
	if exists {
		m.Capabilities = slices.Clone(existing.Capabilities)
	}
	return effect{member: m}, nil
}

func (c *Chain) checkRevoke(st *state, cred ir.Credential) (effect, error) {
	issuer, ok := st.members[cred.Issuer]
	if !ok || !issuer.Authority.AtLeast(ir.AuthorityAdmin) {
		return effect{}, unauthorized(cred, "only admins may revoke")
	}
	subject, ok := st.members[cred.Subject]
	if !ok {
		return effect{}, fault.New(fault.MalformedAssertion, "subject is not a member").
			With("subject", keys.Short(cred.Subject))
	}
	if subject.Authority == ir.AuthorityOwner {
		return effect{}, unauthorized(cred, "owners cannot be revoked")
	}
	if subject.Authority.Rank() > issuer.Authority.Rank() {
		return effect{}, unauthorized(cred, "%s cannot revoke a %s", issuer.Authority, subject.Authority)
	}
	return effect{}, nil
}

func (c *Chain) checkDelegate(st *state, cred ir.Credential) (effect, error) {
	issuer, ok := st.members[cred.Issuer]
	if !ok || !issuer.Authority.AtLeast(ir.AuthorityAdmin) {
		return effect{}, unauthorized(cred, "only admins may delegate")
	}
	subject, ok := st.members[cred.Subject]
	if !ok {
		return effect{}, fault.New(fault.MalformedAssertion, "subject is not a member").
			With("subject", keys.Short(cred.Subject))
	}
	capability := ir.Capability(payloadString(cred.Payload, "capability"))
	subject.Capabilities = slices.Clone(subject.Capabilities)
	if !subject.Has(capability) {
		subject.Capabilities = append(subject.Capabilities, capability)
		slices.Sort(subject.Capabilities)
	}
	return effect{member: subject}, nil
}

func (c *Chain) checkEpoch(st *state, cred ir.Credential) (effect, error) {
	issuer, ok := st.members[cred.Issuer]
	if !ok || !(issuer.Authority.AtLeast(ir.AuthorityAdmin) || issuer.Has(ir.CapEpoch)) {
		return effect{}, unauthorized(cred, "issuer may not commit epochs")
	}
	rec, err := ir.ParseEpochPayload(cred.Payload)
	if err != nil {
		return effect{}, fault.Wrap(fault.MalformedAssertion, err, "epoch payload")
	}

	current := st.epoch
	if rec.Number == current.Number && rec.Root == current.Root {
		return effect{}, nil
	}
	if rec.Number != current.Number+1 {
		return effect{}, fault.New(fault.StaleEpoch, "epoch %d does not follow %d", rec.Number, current.Number).
			With("root", rec.Root)
	}
	if rec.Prev != current.Root {
		return effect{}, fault.New(fault.StaleEpoch, "epoch %d does not extend the current root", rec.Number).
			With("prev", rec.Prev).With("current", current.Root)
	}

	if c.resolver == nil {
		return effect{}, fault.New(fault.MissingDependency, "no snapshot resolver").With("root", rec.Root)
	}
	snap, ok := c.resolver.Snapshot(rec.Root)
	if !ok {
		return effect{}, fault.New(fault.MissingDependency, "epoch snapshot not available").With("root", rec.Root)
	}
	if snap.SpaceID != c.spaceID || snap.Number != rec.Number || !snap.Timeframe.Equal(rec.Timeframe) {
		return effect{}, fault.New(fault.MalformedAssertion, "epoch record does not match its snapshot").
			With("root", rec.Root)
	}
	return effect{snapshot: &snap, epoch: snap.Record(rec.Root)}, nil
}

func payloadString(m ir.Map, key string) string {
	s, _ := m[key].(ir.String)
	return string(s)
}
