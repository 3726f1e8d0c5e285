package credential

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

//go:embed schema.cue
var schemaSource string

var definitions = map[ir.AssertionType]string{
	ir.AssertAdmit:    "#AdmitMember",
	ir.AssertRevoke:   "#RevokeMember",
	ir.AssertDelegate: "#DelegateCapability",
	ir.AssertEpoch:    "#SetEpochRoot",
}

// schema validates credential payloads against the embedded CUE
// definitions. A cue.Context is not safe for concurrent use, so every
// validation holds mu.
type schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[ir.AssertionType]cue.Value
}

var (
	sharedSchema     *schema
	sharedSchemaOnce sync.Once
	sharedSchemaErr  error
)

func loadSchema() (*schema, error) {
	sharedSchemaOnce.Do(func() {
		ctx := cuecontext.New()
		root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := root.Err(); err != nil {
			sharedSchemaErr = fmt.Errorf("compile credential schema: %w", err)
			return
		}
		s := &schema{ctx: ctx, defs: make(map[ir.AssertionType]cue.Value)}
		for assertion, name := range definitions {
			def := root.LookupPath(cue.ParsePath(name))
			if !def.Exists() {
				sharedSchemaErr = fmt.Errorf("credential schema is missing %s", name)
				return
			}
			s.defs[assertion] = def
		}
		sharedSchema = s
	})
	return sharedSchema, sharedSchemaErr
}

// validate checks the credential's shape: known assertion, parseable keys,
// and a payload that unifies with the assertion's definition.
func (s *schema) validate(c ir.Credential) error {
	if !c.Assertion.Valid() {
		return fault.New(fault.MalformedAssertion, "unknown assertion %q", c.Assertion)
	}
	if _, _, err := keys.ParseKey(c.Issuer); err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "issuer")
	}
	if _, _, err := keys.ParseKey(c.Subject); err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "subject")
	}

	payload := c.Payload
	if payload == nil {
		payload = ir.Map{}
	}
	raw, err := ir.MarshalCanonical(payload)
	if err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.CompileBytes(raw, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "payload")
	}
	if err := s.defs[c.Assertion].Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fault.Wrap(fault.MalformedAssertion, firstError(err), "%s payload", c.Assertion)
	}
	return nil
}

// firstError trims a CUE error list to its first entry.
func firstError(err error) error {
	if errs := errors.Errors(err); len(errs) > 0 {
		return errs[0]
	}
	return err
}
