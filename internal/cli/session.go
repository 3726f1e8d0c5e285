package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/kvstore"
	"github.com/roach88/spacesync/internal/space"
	"github.com/roach88/spacesync/internal/store"
	"github.com/roach88/spacesync/internal/transport"
)

// SyncPath is the HTTP path serve accepts peer connections on.
const SyncPath = "/sync"

// localStore is what the CLI needs from a backend: space storage plus the
// identity table.
type localStore interface {
	space.Storage
	PutIdentity(ctx context.Context, id ir.Identity) error
	GetIdentity(ctx context.Context, keyOrName string) (ir.Identity, error)
	Close() error
}

func openStore(cfg Config) (localStore, error) {
	switch cfg.Backend {
	case BackendLevelDB:
		return kvstore.Open(cfg.DB)
	default:
		return store.Open(cfg.DB)
	}
}

// session is an open store, the acting identity and a running host.
type session struct {
	store  localStore
	signer keys.Signer
	ws     *transport.WebSocket
	host   *space.Host
	logger *slog.Logger
}

// hostMode selects the host options a command needs.
type hostMode int

const (
	// oneShot commands read or append locally and exit.
	oneShot hostMode = iota
	// online commands stay connected and announce periodically.
	online
)

func openSession(ctx context.Context, opts *RootOptions, mode hostMode) (*session, error) {
	cfg := opts.Config
	if cfg.Identity == "" {
		return nil, fault.New(fault.InvalidArgument, "no identity: pass --identity or set identity in the config")
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "open %s store %s", cfg.Backend, cfg.DB)
	}
	id, err := st.GetIdentity(ctx, cfg.Identity)
	if err != nil {
		st.Close()
		return nil, err
	}
	signer, err := keys.FromSeed(keys.Algorithm(id.Alg), id.Seed)
	if err != nil {
		st.Close()
		return nil, fault.Wrap(fault.InvalidArgument, err, "identity %s", cfg.Identity)
	}

	logger := opts.Logger.With("identity", keys.Short(signer.PublicKey()))
	ws := transport.NewWebSocket(signer.PublicKey(), transport.WithWebSocketLogger(logger))

	hostOpts := []space.Option{space.WithLogger(logger)}
	switch {
	case mode == oneShot:
		hostOpts = append(hostOpts, space.WithAnnounceInterval(0))
	case cfg.AnnounceInterval > 0:
		hostOpts = append(hostOpts, space.WithAnnounceInterval(cfg.AnnounceInterval))
	}
	if cfg.BackfillRate > 0 {
		burst := cfg.BackfillBurst
		if burst == 0 {
			burst = space.DefaultBackfillBurst
		}
		hostOpts = append(hostOpts, space.WithBackfillRate(rate.Limit(cfg.BackfillRate), burst))
	}

	host := space.NewHost(signer, st, ws, signer.PublicKey(), hostOpts...)
	if err := host.Open(ctx); err != nil {
		host.Close()
		ws.Close()
		st.Close()
		return nil, err
	}
	return &session{store: st, signer: signer, ws: ws, host: host, logger: logger}, nil
}

// dial connects to every url, logging the ones that fail. It returns the
// number of connected peers.
func (s *session) dial(ctx context.Context, urls []string) int {
	connected := 0
	for _, url := range urls {
		peer, err := s.ws.Dial(ctx, url)
		if err != nil {
			s.logger.Warn("peer unreachable", "url", url, "error", err)
			continue
		}
		s.logger.Info("peer connected", "url", url, "peer", keys.Short(peer))
		connected++
	}
	return connected
}

func (s *session) Close() error {
	return errors.Join(s.host.Close(), s.ws.Close(), s.store.Close())
}

// space resolves a space by id or by a unique id prefix.
func (s *session) space(ref string) (*space.Space, error) {
	if sp, ok := s.host.Space(ref); ok {
		return sp, nil
	}
	var match *space.Space
	for _, sp := range s.host.Spaces() {
		if !strings.HasPrefix(sp.ID(), ref) {
			continue
		}
		if match != nil {
			return nil, fault.New(fault.InvalidArgument, "space prefix %q is ambiguous", ref)
		}
		match = sp
	}
	if match == nil {
		return nil, fault.New(fault.UnknownSpace, "no space %q", ref)
	}
	return match, nil
}

// withSession opens a session, runs fn and closes the session, reporting
// any error through the formatter.
func withSession(ctx context.Context, opts *RootOptions, f *OutputFormatter, mode hostMode, what string, fn func(*session) error) error {
	s, err := openSession(ctx, opts, mode)
	if err != nil {
		return f.Fail(what, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("close session", "error", err)
		}
	}()
	if err := fn(s); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return f.Fail(what, err)
	}
	return nil
}

// memberKey resolves a member argument: a key string, or the name of a
// local identity.
func (s *session) memberKey(ctx context.Context, ref string) (string, error) {
	if _, _, err := keys.ParseKey(ref); err == nil {
		return ref, nil
	}
	id, err := s.store.GetIdentity(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("member %q is neither a key nor a local identity: %w", ref, err)
	}
	return id.Key, nil
}
