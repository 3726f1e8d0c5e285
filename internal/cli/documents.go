package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/spacesync/internal/crdt"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Delete    bool
	Increment int64
	Push      bool
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <space> <document> <path> [json-value]",
		Short: "Edit one field of a document",
		Long: `Edit one field of a document, creating the document if needed.

<path> is a dotted path of map keys. The value is JSON; counters are written
as {"$counter": n}. The change is appended locally and replicates the next
time this host serves or announces.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the field")
	cmd.Flags().Int64Var(&opts.Increment, "increment", 0, "add to the counter at the field")
	cmd.Flags().BoolVar(&opts.Push, "push", false, "append the value to the list at the field")
	return cmd
}

func runPut(cmd *cobra.Command, opts *PutOptions, args []string) error {
	f := opts.formatter(cmd)
	spaceRef, docID, path := args[0], args[1], args[2]

	edit, err := opts.edit(path, args[3:])
	if err != nil {
		return f.Fail("put", err)
	}
	return withSession(cmd.Context(), opts.RootOptions, f, oneShot, "put", func(s *session) error {
		sp, err := s.space(spaceRef)
		if err != nil {
			return err
		}
		if _, err := sp.OpenDocument(cmd.Context(), docID); err != nil {
			return err
		}
		hash, err := sp.Mutate(cmd.Context(), docID, edit)
		if err != nil {
			return err
		}
		f.VerboseLog("change %s", hash)
		doc, err := sp.Document(docID)
		if err != nil {
			return err
		}
		return f.Success(doc, render(doc))
	})
}

// edit builds the transaction for the flags and the optional value.
func (o *PutOptions) edit(path string, rest []string) (func(*crdt.Tx) error, error) {
	modes := 0
	for _, on := range []bool{o.Delete, o.Increment != 0, o.Push} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return nil, fault.New(fault.InvalidArgument, "--delete, --increment and --push are exclusive")
	}

	switch {
	case o.Delete:
		return func(tx *crdt.Tx) error { return tx.DeletePath(path) }, nil
	case o.Increment != 0:
		delta := o.Increment
		return func(tx *crdt.Tx) error { return tx.IncrementPath(path, delta) }, nil
	}

	if len(rest) == 0 {
		return nil, fault.New(fault.InvalidArgument, "a value is required")
	}
	v, err := ir.ParseValue([]byte(rest[0]))
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "value %q", rest[0])
	}
	if o.Push {
		return func(tx *crdt.Tx) error { return tx.PushPath(path, v) }, nil
	}
	return func(tx *crdt.Tx) error { return tx.SetPath(path, v) }, nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <space> [document]",
		Short: "Print a document, or list a space's documents",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withSession(cmd.Context(), rootOpts, f, oneShot, "get", func(s *session) error {
				sp, err := s.space(args[0])
				if err != nil {
					return err
				}
				if len(args) == 1 {
					ids := sp.Snapshot().DocumentIDs()
					return f.Success(ids, fmt.Sprint(ids))
				}
				doc, err := sp.Document(args[1])
				if err != nil {
					return err
				}
				return f.Success(doc, render(doc))
			})
		},
	}
}

// render prints a value as indented JSON.
func render(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
