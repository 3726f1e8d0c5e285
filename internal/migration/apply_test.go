package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/ir"
)

func TestApply(t *testing.T) {
	m := ir.Migration{
		Name:    "reshape",
		Version: 1,
		Steps: []ir.MigrationStep{
			{Op: ir.MigrateRename, Path: "title", To: "meta.name"},
			{Op: ir.MigrateSetDefault, Path: "done", Value: ir.Bool(false)},
			{Op: ir.MigrateCopy, Path: "views", To: "stats.views"},
			{Op: ir.MigrateDrop, Path: "legacy", Documents: []string{"a"}},
		},
	}
	docs := map[string]ir.Map{
		"a": {"title": ir.String("A"), "views": ir.Counter(3), "legacy": ir.Int(1)},
		"b": {"done": ir.Bool(true), "legacy": ir.Int(2)},
	}

	out, err := Apply(m, docs)
	require.NoError(t, err)

	assert.Equal(t, ir.Map{
		"meta":  ir.Map{"name": ir.String("A")},
		"done":  ir.Bool(false),
		"views": ir.Counter(3),
		"stats": ir.Map{"views": ir.Counter(3)},
	}, out["a"])
	assert.Equal(t, ir.Map{"done": ir.Bool(true), "legacy": ir.Int(2)}, out["b"])

	assert.Equal(t, ir.String("A"), docs["a"]["title"], "input is not modified")
}

func TestApplyIsDeterministic(t *testing.T) {
	m := ir.Migration{Name: "m", Version: 1, Steps: []ir.MigrationStep{
		{Op: ir.MigrateRename, Path: "x", To: "y"},
		{Op: ir.MigrateSetDefault, Path: "list", Value: ir.List{ir.Int(1)}},
	}}
	docs := map[string]ir.Map{"d": {"x": ir.Map{"deep": ir.Int(1)}}}

	first, err := Apply(m, docs)
	require.NoError(t, err)
	second, err := Apply(m, docs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApplyFailsOnNonMapIntermediate(t *testing.T) {
	m := ir.Migration{Name: "m", Version: 1, Steps: []ir.MigrationStep{
		{Op: ir.MigrateSetDefault, Path: "title.sub", Value: ir.Int(1)},
	}}
	_, err := Apply(m, map[string]ir.Map{"d": {"title": ir.String("t")}})
	assert.Error(t, err)
}

func TestApplyRejectsInvalidMigration(t *testing.T) {
	_, err := Apply(ir.Migration{Name: "m"}, nil)
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	errs := Validate(ir.Migration{
		Version: -1,
		Steps: []ir.MigrationStep{
			{Op: ir.MigrateDrop, Path: "a..b"},
			{Op: ir.MigrateSetDefault, Path: "c"},
		},
	})

	var codes []string
	for _, e := range errs {
		codes = append(codes, e.Code)
	}
	assert.ElementsMatch(t, []string{ErrMigrationNameEmpty, ErrNegativeVersion, ErrInvalidPath, ErrMissingValue}, codes)
}
