package migration

import (
	"fmt"
	"strings"

	"github.com/roach88/spacesync/internal/ir"
)

// Validation error codes (E120-E129)
const (
	ErrMigrationNameEmpty = "E120" // name is required
	ErrNegativeVersion    = "E121" // version must be >= 0
	ErrNoSteps            = "E122" // at least one step
	ErrUnknownOp          = "E123" // op not in the closed set
	ErrInvalidPath        = "E124" // empty or reserved path segment
	ErrMissingTarget      = "E125" // rename/copy need a distinct target
	ErrMissingValue       = "E126" // set_default needs a value
	ErrUnexpectedField    = "E127" // field not used by the op
)

// ValidationError represents a migration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a migration and returns every problem found.
func Validate(m ir.Migration) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required", Code: ErrMigrationNameEmpty})
	}
	if m.Version < 0 {
		errs = append(errs, ValidationError{Field: "version", Message: "version must not be negative", Code: ErrNegativeVersion})
	}
	if len(m.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "steps", Message: "at least one step is required", Code: ErrNoSteps})
	}

	for i, step := range m.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if err := checkPath(step.Path); err != "" {
			errs = append(errs, ValidationError{Field: field + ".path", Message: err, Code: ErrInvalidPath})
		}

		switch step.Op {
		case ir.MigrateRename, ir.MigrateCopy:
			if step.To == "" || step.To == step.Path {
				errs = append(errs, ValidationError{
					Field:   field + ".to",
					Message: fmt.Sprintf("%s needs a target different from its path", step.Op),
					Code:    ErrMissingTarget,
				})
			} else if err := checkPath(step.To); err != "" {
				errs = append(errs, ValidationError{Field: field + ".to", Message: err, Code: ErrInvalidPath})
			}
			if step.Value != nil {
				errs = append(errs, ValidationError{Field: field + ".value", Message: "value is not used by " + string(step.Op), Code: ErrUnexpectedField})
			}
		case ir.MigrateSetDefault:
			if step.Value == nil {
				errs = append(errs, ValidationError{Field: field + ".value", Message: "set_default needs a value", Code: ErrMissingValue})
			}
			if step.To != "" {
				errs = append(errs, ValidationError{Field: field + ".to", Message: "to is not used by set_default", Code: ErrUnexpectedField})
			}
		case ir.MigrateDrop:
			if step.To != "" || step.Value != nil {
				errs = append(errs, ValidationError{Field: field, Message: "drop takes only a path", Code: ErrUnexpectedField})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".op",
				Message: fmt.Sprintf("unknown op %q, must be rename, set_default, drop or copy", step.Op),
				Code:    ErrUnknownOp,
			})
		}
	}
	return errs
}

func checkPath(path string) string {
	if path == "" {
		return "path is required"
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Sprintf("path %q has an empty segment", path)
		}
		if ir.ReservedKey(seg) {
			return fmt.Sprintf("path %q uses reserved key %q", path, seg)
		}
	}
	return ""
}
