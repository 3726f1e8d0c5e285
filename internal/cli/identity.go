package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
)

// IdentityInfo is the public part of a local identity.
type IdentityInfo struct {
	Name string `json:"name,omitempty"`
	Key  string `json:"key"`
	Alg  string `json:"alg"`
}

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage local signing identities",
	}
	cmd.AddCommand(newIdentityNewCommand(rootOpts))
	cmd.AddCommand(newIdentityShowCommand(rootOpts))
	return cmd
}

func newIdentityNewCommand(rootOpts *RootOptions) *cobra.Command {
	var alg string
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Generate a signing identity and store it",
		Long: `Generate a signing identity and store it under <name>.

Invitations can only be issued by ed25519 identities; dilithium3 identities
can hold membership and write.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			st, err := openStore(rootOpts.Config)
			if err != nil {
				return f.Fail("open store", fault.Wrap(fault.StorageFailure, err, "open store"))
			}
			defer st.Close()

			ctx := cmd.Context()
			if existing, err := st.GetIdentity(ctx, args[0]); err == nil {
				return f.Fail("identity new", fault.New(fault.InvalidArgument, "identity %q already exists", args[0]).
					With("key", existing.Key))
			}
			signer, err := keys.Generate(keys.Algorithm(alg), nil)
			if err != nil {
				return f.Fail("identity new", fault.Wrap(fault.InvalidArgument, err, "generate key"))
			}
			id := ir.Identity{Key: signer.PublicKey(), Alg: string(signer.Algorithm()), Seed: signer.Seed(), Name: args[0]}
			if err := st.PutIdentity(ctx, id); err != nil {
				return f.Fail("identity new", fault.Wrap(fault.StorageFailure, err, "store identity"))
			}
			info := IdentityInfo{Name: id.Name, Key: id.Key, Alg: id.Alg}
			return f.Success(info, fmt.Sprintf("%s %s", info.Name, info.Key))
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(keys.Ed25519), "key algorithm (ed25519|dilithium3)")
	return cmd
}

func newIdentityShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-key>",
		Short: "Print an identity's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			st, err := openStore(rootOpts.Config)
			if err != nil {
				return f.Fail("open store", fault.Wrap(fault.StorageFailure, err, "open store"))
			}
			defer st.Close()

			id, err := st.GetIdentity(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("identity show", err)
			}
			info := IdentityInfo{Name: id.Name, Key: id.Key, Alg: id.Alg}
			return f.Success(info, info.Key)
		},
	}
}
