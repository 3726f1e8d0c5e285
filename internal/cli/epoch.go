package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/migration"
)

// EpochInfo describes a committed epoch.
type EpochInfo struct {
	Space  string `json:"space"`
	Number int64  `json:"number"`
	Root   string `json:"root"`
	Pruned int64  `json:"pruned,omitempty"`
}

// EpochOptions holds flags for the epoch command.
type EpochOptions struct {
	*RootOptions
	Migration string // CUE file
	Name      string // migration to apply when the file declares several
	Compact   bool
}

// NewEpochCommand creates the epoch command.
func NewEpochCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EpochOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "epoch <space>",
		Short: "Commit a new epoch, optionally migrating documents",
		Long: `Fold the space into a new epoch snapshot and commit it.

A migration is read from a CUE file:

	migration: "rename-title": {
		version: 2
		steps: [{op: "rename", path: "title", to: "name"}]
	}

Committing requires owner or admin authority, or the epoch capability.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEpoch(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.Migration, "migration", "m", "", "CUE file declaring migrations")
	cmd.Flags().StringVar(&opts.Name, "name", "", "migration to apply (default: the only one declared)")
	cmd.Flags().BoolVar(&opts.Compact, "compact", false, "prune covered blocks after committing")
	return cmd
}

func runEpoch(cmd *cobra.Command, opts *EpochOptions, spaceRef string) error {
	f := opts.formatter(cmd)
	mig, err := opts.loadMigration()
	if err != nil {
		return f.Fail("epoch", err)
	}
	return withSession(cmd.Context(), opts.RootOptions, f, oneShot, "epoch", func(s *session) error {
		ctx := cmd.Context()
		sp, err := s.space(spaceRef)
		if err != nil {
			return err
		}
		cand, err := sp.ProposeEpoch(ctx, mig)
		if err != nil {
			return err
		}
		if err := sp.CommitEpoch(ctx, cand); err != nil {
			return err
		}
		info := EpochInfo{Space: sp.ID(), Number: cand.Snapshot.Number, Root: cand.Root}
		if opts.Compact {
			if info.Pruned, err = sp.Compact(ctx); err != nil {
				return err
			}
		}
		return f.Success(info, fmt.Sprintf("epoch %d %s", info.Number, info.Root))
	})
}

func (o *EpochOptions) loadMigration() (*ir.Migration, error) {
	if o.Migration == "" {
		if o.Name != "" {
			return nil, fault.New(fault.InvalidArgument, "--name needs --migration")
		}
		return nil, nil
	}
	src, err := os.ReadFile(o.Migration)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "read migration")
	}
	migrations, err := migration.Compile(src, o.Migration)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "compile migration")
	}
	if o.Name == "" {
		if len(migrations) != 1 {
			return nil, fault.New(fault.InvalidArgument, "%s declares %d migrations: pick one with --name", o.Migration, len(migrations))
		}
		return &migrations[0], nil
	}
	for i := range migrations {
		if migrations[i].Name == o.Name {
			return &migrations[i], nil
		}
	}
	return nil, fault.New(fault.InvalidArgument, "%s declares no migration %q", o.Migration, o.Name)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <space>",
		Short: "Prune blocks covered by the committed epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withSession(cmd.Context(), rootOpts, f, oneShot, "compact", func(s *session) error {
				sp, err := s.space(args[0])
				if err != nil {
					return err
				}
				pruned, err := sp.Compact(cmd.Context())
				if err != nil {
					return err
				}
				e := sp.Snapshot().Epoch
				info := EpochInfo{Space: sp.ID(), Number: e.Number, Root: e.Root, Pruned: pruned}
				return f.Success(info, fmt.Sprintf("pruned %d blocks", pruned))
			})
		},
	}
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Snapshot bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "export <space> <file>",
		Short: "Write a space's state to a file",
		Long: `Write a space's current members and documents to <file> as JSON.

With --snapshot the committed epoch snapshot is written byte for byte, so
its CID can be checked against the epoch root. The file is replaced
atomically.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts, args[0], args[1])
		},
	}
	cmd.Flags().BoolVar(&opts.Snapshot, "snapshot", false, "export the committed epoch snapshot")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions, spaceRef, path string) error {
	f := opts.formatter(cmd)
	return withSession(cmd.Context(), opts.RootOptions, f, oneShot, "export", func(s *session) error {
		sp, err := s.space(spaceRef)
		if err != nil {
			return err
		}
		snap := sp.Snapshot()

		var data []byte
		if opts.Snapshot {
			rec, ok, err := s.store.GetLatestEpoch(cmd.Context(), sp.ID())
			if err != nil {
				return fault.Wrap(fault.StorageFailure, err, "read epoch")
			}
			if !ok {
				return fault.New(fault.InvalidArgument, "space has no committed epoch")
			}
			data = rec.Snapshot
		} else {
			data, err = json.MarshalIndent(exportState{
				SpaceID:   snap.SpaceID,
				Epoch:     snap.Epoch,
				Members:   snap.Members,
				Documents: snap.Documents,
			}, "", "  ")
			if err != nil {
				return err
			}
		}

		if err := renameio.WriteFile(path, data, 0o644); err != nil {
			return fault.Wrap(fault.StorageFailure, err, "write %s", path)
		}
		return f.Success(map[string]any{"path": path, "bytes": len(data)}, fmt.Sprintf("wrote %d bytes to %s", len(data), path))
	})
}

type exportState struct {
	SpaceID   string            `json:"space_id"`
	Epoch     ir.Epoch          `json:"epoch"`
	Members   []ir.Member       `json:"members"`
	Documents map[string]ir.Map `json:"documents"`
}
