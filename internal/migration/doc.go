// Package migration compiles CUE-authored document migrations and applies
// them to exported document trees at epoch boundaries.
//
// A migration file declares one or more migrations under "migration":
//
//	migration: "rename-title": {
//		version: 2
//		steps: [
//			{op: "rename", path: "title", to: "name"},
//			{op: "set_default", path: "meta.done", value: false},
//			{op: "drop", path: "legacy", documents: ["doc-0001"]},
//		]
//	}
//
// Apply is a pure function of the migration and the input trees, so every
// peer that folds the same epoch produces the same snapshot.
package migration
