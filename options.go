package junban

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	strategy        string
	sweepInterval   time.Duration
	items           ItemSource
	members         MembershipSource
	notifier        StaleNotifier
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (JUNBAN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRankStrategy selects the scoring strategy by name ("borda" or
// "mean_rank"). Overrides JUNBAN_RANK_STRATEGY; unknown names fall back
// to Borda.
func WithRankStrategy(name string) Option {
	return func(o *resolvedOptions) { o.strategy = name }
}

// WithSweepInterval overrides how often the staleness sweeper runs
// (JUNBAN_SWEEP_INTERVAL env var).
func WithSweepInterval(interval time.Duration) Option {
	return func(o *resolvedOptions) { o.sweepInterval = interval }
}

// WithItemSource sets the active-item-set provider. Required.
func WithItemSource(s ItemSource) Option {
	return func(o *resolvedOptions) { o.items = s }
}

// WithMembershipSource sets the sub-group membership resolver used for
// filtered aggregate views.
func WithMembershipSource(s MembershipSource) Option {
	return func(o *resolvedOptions) { o.members = s }
}

// WithStaleNotifier sets the transport for staleness notifications.
func WithStaleNotifier(n StaleNotifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
