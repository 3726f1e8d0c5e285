package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/keys"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Peers  []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host and replicate with peers until interrupted",
		Long: `Run every space this identity holds, accept peer connections on
ws://<listen>/sync and dial the given peers. Spaces announce their state
periodically so peers that missed updates catch up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config, :7420)")
	cmd.Flags().StringArrayVar(&opts.Peers, "peer", nil, "peer URL to dial (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	f := opts.formatter(cmd)
	listen := opts.Listen
	if listen == "" {
		listen = opts.Config.Listen
	}
	peers := append(opts.Peers, opts.Config.Peers...)

	return withSession(cmd.Context(), opts.RootOptions, f, online, "serve", func(s *session) error {
		ctx := cmd.Context()
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fault.Wrap(fault.InvalidArgument, err, "listen on %s", listen)
		}

		mux := http.NewServeMux()
		mux.Handle(SyncPath, s.ws)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		served := make(chan error, 1)
		go func() { served <- srv.Serve(ln) }()

		s.logger.Info("serving", "addr", ln.Addr().String(), "path", SyncPath, "spaces", len(s.host.Spaces()))
		f.VerboseLog("serving %s as %s", ln.Addr(), keys.Short(s.signer.PublicKey()))
		s.dial(ctx, peers)
		for _, sp := range s.host.Spaces() {
			if err := sp.Announce(ctx); err != nil {
				s.logger.Warn("announce", "space", keys.Short(sp.ID()), "error", err)
			}
		}

		select {
		case <-ctx.Done():
		case err := <-served:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
		return nil
	})
}
