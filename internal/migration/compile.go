package migration

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/spacesync/internal/ir"
)

// Compile parses CUE source and compiles every migration it declares,
// in label order.
func Compile(src []byte, filename string) ([]ir.Migration, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("migration"))
	if !root.Exists() {
		return nil, &CompileError{Field: "migration", Message: "no migrations declared", Pos: v.Pos()}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []ir.Migration
	for iter.Next() {
		m, err := CompileMigration(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// CompileMigration parses one migration struct. The migration name is the
// struct's label.
func CompileMigration(v cue.Value) (*ir.Migration, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &ir.Migration{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		m.Name = labels[len(labels)-1].Unquoted()
	}

	versionVal := v.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return nil, &CompileError{Field: "version", Message: "version is required", Pos: v.Pos()}
	}
	version, err := versionVal.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	m.Version = version

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, &CompileError{Field: "steps", Message: "steps are required", Pos: v.Pos()}
	}
	list, err := stepsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for list.Next() {
		step, err := parseStep(list.Value())
		if err != nil {
			return nil, err
		}
		m.Steps = append(m.Steps, step)
	}

	if errs := Validate(*m); len(errs) > 0 {
		return nil, &CompileError{Field: errs[0].Field, Message: errs[0].Error(), Pos: v.Pos()}
	}
	return m, nil
}

func parseStep(v cue.Value) (ir.MigrationStep, error) {
	var step ir.MigrationStep

	op, err := requiredString(v, "op")
	if err != nil {
		return step, err
	}
	step.Op = ir.MigrationOp(op)

	if step.Path, err = requiredString(v, "path"); err != nil {
		return step, err
	}

	if to := v.LookupPath(cue.ParsePath("to")); to.Exists() {
		if step.To, err = to.String(); err != nil {
			return step, formatCUEError(err)
		}
	}

	if val := v.LookupPath(cue.ParsePath("value")); val.Exists() {
		goValue, err := toGo(val)
		if err != nil {
			return step, err
		}
		if step.Value, err = ir.FromGo(goValue); err != nil {
			return step, &CompileError{Field: "value", Message: err.Error(), Pos: val.Pos()}
		}
	}

	if docs := v.LookupPath(cue.ParsePath("documents")); docs.Exists() {
		iter, err := docs.List()
		if err != nil {
			return step, formatCUEError(err)
		}
		for iter.Next() {
			id, err := iter.Value().String()
			if err != nil {
				return step, formatCUEError(err)
			}
			step.Documents = append(step.Documents, id)
		}
	}
	return step, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// toGo converts a concrete CUE value into the Go shapes ir.FromGo accepts.
// Floats are forbidden.
func toGo(v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		return v.Int64()
	case cue.BoolKind:
		return v.Bool()
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := []any{}
		for iter.Next() {
			item, err := toGo(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := map[string]any{}
		for iter.Next() {
			item, err := toGo(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Selector().Unquoted()] = item
		}
		return out, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "value",
			Message: "float values are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("unsupported value kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
