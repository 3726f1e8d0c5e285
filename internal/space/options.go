package space

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roach88/spacesync/internal/crdt"
)

// Defaults for the coordinator. Every one can be overridden with an Option.
const (
	DefaultAnnounceInterval = 5 * time.Second
	DefaultRetryAttempts    = 5
	DefaultRetryBase        = 50 * time.Millisecond
	DefaultBackfillRate     = rate.Limit(50)
	DefaultBackfillBurst    = 200
	DefaultDedupTTL         = 30 * time.Second
	DefaultJoinRetry        = 500 * time.Millisecond
)

// IDGenerator produces document ids.
// UUIDv7Generator is used unless WithIDGenerator overrides it.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

type options struct {
	logger           *slog.Logger
	announceInterval time.Duration
	backlog          int
	retryAttempts    int
	retryBase        time.Duration
	backfillRate     rate.Limit
	backfillBurst    int
	dedupTTL         time.Duration
	joinRetry        time.Duration
	ids              IDGenerator
	now              func() time.Time
}

func defaultOptions() options {
	return options{
		logger:           slog.Default(),
		announceInterval: DefaultAnnounceInterval,
		backlog:          crdt.DefaultBacklog,
		retryAttempts:    DefaultRetryAttempts,
		retryBase:        DefaultRetryBase,
		backfillRate:     DefaultBackfillRate,
		backfillBurst:    DefaultBackfillBurst,
		dedupTTL:         DefaultDedupTTL,
		joinRetry:        DefaultJoinRetry,
		ids:              UUIDv7Generator{},
		now:              time.Now,
	}
}

// Option configures a Host and the spaces it runs.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAnnounceInterval sets how often a space announces its Timeframe to
// peers. Zero disables periodic announces; Space.Announce still works.
func WithAnnounceInterval(d time.Duration) Option {
	return func(o *options) {
		o.announceInterval = d
	}
}

// WithBacklogLimit bounds each document's deferred-change backlog.
func WithBacklogLimit(n int) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// WithRetry sets the storage retry policy for remote blocks: up to attempts
// retries with exponential backoff starting at base. After that the feed is
// marked degraded.
func WithRetry(attempts int, base time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryBase = base
	}
}

// WithBackfillRate limits the blocks served to each peer.
func WithBackfillRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.backfillRate = limit
		o.backfillBurst = burst
	}
}

// WithDedupTTL sets how long envelope ids and backfill requests are
// remembered for duplicate suppression.
func WithDedupTTL(d time.Duration) Option {
	return func(o *options) {
		o.dedupTTL = d
	}
}

// WithJoinRetry sets how often a joiner re-asks for the bootstrap bundle.
func WithJoinRetry(d time.Duration) Option {
	return func(o *options) {
		o.joinRetry = d
	}
}

// WithIDGenerator sets the document id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithClock sets the time source used for invitations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
