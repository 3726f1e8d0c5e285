package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/invite"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/space"
)

// SpaceInfo summarizes a space replica.
type SpaceInfo struct {
	ID         string      `json:"id"`
	Collection string      `json:"collection"`
	Epoch      int64       `json:"epoch"`
	Members    []ir.Member `json:"members"`
	Documents  []string    `json:"documents"`
	Degraded   int         `json:"degraded,omitempty"`
}

func spaceInfo(sp *space.Space) SpaceInfo {
	snap := sp.Snapshot()
	return SpaceInfo{
		ID:         snap.SpaceID,
		Collection: snap.Collection,
		Epoch:      snap.Epoch.Number,
		Members:    snap.Members,
		Documents:  snap.DocumentIDs(),
		Degraded:   len(snap.Degraded),
	}
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a space owned by the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withSession(cmd.Context(), rootOpts, f, oneShot, "create", func(s *session) error {
				sp, err := s.host.CreateSpace(cmd.Context())
				if err != nil {
					return err
				}
				return f.Success(spaceInfo(sp), sp.ID())
			})
		},
	}
}

// NewSpacesCommand creates the spaces command.
func NewSpacesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "spaces",
		Short: "List the spaces held by the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return withSession(cmd.Context(), rootOpts, f, oneShot, "spaces", func(s *session) error {
				infos := []SpaceInfo{}
				var text strings.Builder
				for _, sp := range s.host.Spaces() {
					info := spaceInfo(sp)
					infos = append(infos, info)
					fmt.Fprintf(&text, "%s epoch=%d members=%d documents=%d\n",
						info.ID, info.Epoch, len(info.Members), len(info.Documents))
				}
				return f.Success(infos, strings.TrimSuffix(text.String(), "\n"))
			})
		},
	}
}

// NewInviteCommand creates the invite command.
func NewInviteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		authority string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invite <space> <member>",
		Short: "Admit a key and print an invitation token for it",
		Long: `Admit <member> (a key, or a local identity name) to <space> and print an
invitation token. The invitee joins with "spacesync join <token> --peer <url>"
while this host runs "spacesync serve".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			level, err := ir.ParseAuthority(authority)
			if err != nil {
				return f.Fail("invite", fault.Wrap(fault.InvalidArgument, err, "authority"))
			}
			return withSession(cmd.Context(), rootOpts, f, oneShot, "invite", func(s *session) error {
				sp, err := s.space(args[0])
				if err != nil {
					return err
				}
				key, err := s.memberKey(cmd.Context(), args[1])
				if err != nil {
					return fault.Wrap(fault.InvalidArgument, err, "invitee")
				}
				token, err := sp.Invite(cmd.Context(), key, level, ttl)
				if err != nil {
					return err
				}
				return f.Success(map[string]string{"token": token, "space": sp.ID()}, token)
			})
		},
	}
	cmd.Flags().StringVar(&authority, "authority", string(ir.AuthorityWriter), "authority granted (reader|writer|admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", invite.DefaultTTL, "how long the token stays valid")
	return cmd
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	var peers []string
	cmd := &cobra.Command{
		Use:   "join <token>",
		Short: "Join a space from an invitation token",
		Long: `Join a space from an invitation token. The inviter must be reachable at
one of the --peer URLs (ws://host:port/sync).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			urls := append(peers, rootOpts.Config.Peers...)
			if len(urls) == 0 {
				return f.Fail("join", fault.New(fault.InvalidArgument, "join needs --peer"))
			}
			return withSession(cmd.Context(), rootOpts, f, online, "join", func(s *session) error {
				ctx := cmd.Context()
				if s.dial(ctx, urls) == 0 {
					return fault.New(fault.Timeout, "no peer reachable")
				}
				if d := rootOpts.Config.JoinTimeout; d > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d)
					defer cancel()
				}
				sp, err := s.host.JoinSpace(ctx, args[0])
				if err != nil {
					return err
				}
				return f.Success(spaceInfo(sp), sp.ID())
			})
		},
	}
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "peer URL to fetch the space from (repeatable)")
	return cmd
}

// NewMemberCommand creates the member command group.
func NewMemberCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Change space membership",
	}

	var authority string
	admit := &cobra.Command{
		Use:   "admit <space> <member>",
		Short: "Admit a key without issuing an invitation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := ir.ParseAuthority(authority)
			if err != nil {
				return rootOpts.formatter(cmd).Fail("admit", fault.Wrap(fault.InvalidArgument, err, "authority"))
			}
			return memberChange(cmd, rootOpts, "admit", args, func(ctx context.Context, sp *space.Space, key string) error {
				return sp.Admit(ctx, key, level)
			})
		},
	}
	admit.Flags().StringVar(&authority, "authority", string(ir.AuthorityWriter), "authority granted (reader|writer|admin)")

	revoke := &cobra.Command{
		Use:   "revoke <space> <member>",
		Short: "Revoke a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberChange(cmd, rootOpts, "revoke", args, func(ctx context.Context, sp *space.Space, key string) error {
				return sp.Revoke(ctx, key)
			})
		},
	}

	var capability string
	delegate := &cobra.Command{
		Use:   "delegate <space> <member>",
		Short: "Grant a member a capability (epoch|admit)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ir.Capability(capability)
			if !c.Valid() {
				return rootOpts.formatter(cmd).Fail("delegate", fault.New(fault.InvalidArgument, "unknown capability %q", capability))
			}
			return memberChange(cmd, rootOpts, "delegate", args, func(ctx context.Context, sp *space.Space, key string) error {
				return sp.Delegate(ctx, key, c)
			})
		},
	}
	delegate.Flags().StringVar(&capability, "capability", string(ir.CapEpoch), "capability to grant")

	cmd.AddCommand(admit, revoke, delegate)
	return cmd
}

func memberChange(cmd *cobra.Command, rootOpts *RootOptions, what string, args []string, fn func(context.Context, *space.Space, string) error) error {
	f := rootOpts.formatter(cmd)
	return withSession(cmd.Context(), rootOpts, f, oneShot, what, func(s *session) error {
		sp, err := s.space(args[0])
		if err != nil {
			return err
		}
		key, err := s.memberKey(cmd.Context(), args[1])
		if err != nil {
			return fault.Wrap(fault.InvalidArgument, err, "member")
		}
		if err := fn(cmd.Context(), sp, key); err != nil {
			return err
		}
		return f.Success(spaceInfo(sp), fmt.Sprintf("%s %s", what, key))
	})
}
