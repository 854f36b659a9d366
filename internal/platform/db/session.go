package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	sessionKey  contextKey = "db_session"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ConfigKey identifies one connection-configuration scope. Actions run at
// most once per transaction for a given key.
type ConfigKey struct {
	Strategy  string
	Tenant    string
	Datastore string
}

// Action is one configuration step applied to a freshly started
// transaction: schema selection, tenant variable, temp state. Actions must
// be idempotent; ordering is the order of registration.
type Action func(ctx context.Context, tx pgx.Tx) error

// SetSearchPath selects the tenant schema ahead of the shared schema.
func SetSearchPath(schema string) Action {
	return func(ctx context.Context, tx pgx.Tx) error {
		if !tenantIDPattern.MatchString(schema) {
			return fmt.Errorf("invalid schema name")
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
		return err
	}
}

// SetTenantVariable exposes the tenant id to row-level-security policies via
// a session GUC.
func SetTenantVariable(tenant string) Action {
	return func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenant)
		return err
	}
}

// session is the per-transaction state: the transaction itself plus the
// "already configured" marker per ConfigKey.
type session struct {
	tx         pgx.Tx
	configured map[ConfigKey]bool
}

// Provider hands out configured per-request transactions. The transaction is
// owned here: callers never commit or roll back themselves.
type Provider struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	actions func(key ConfigKey) []Action
}

// NewProvider creates a Provider. actionsFor returns the ordered
// configuration steps for a scope; nil means no configuration.
func NewProvider(pool *pgxpool.Pool, logger zerolog.Logger, actionsFor func(key ConfigKey) []Action) *Provider {
	if actionsFor == nil {
		actionsFor = func(ConfigKey) []Action { return nil }
	}
	return &Provider{
		pool:    pool,
		logger:  logger.With().Str("component", "db").Logger(),
		actions: actionsFor,
	}
}

// InTx runs fn inside a configured transaction. A nested call with a
// transaction already in ctx joins it, re-running the action chain only if
// the scope key differs from what the session has seen. Errors from fn roll
// the whole transaction back; no partial writes survive.
func (p *Provider) InTx(ctx context.Context, key ConfigKey, fn func(ctx context.Context) error) error {
	if s := sessionFromContext(ctx); s != nil {
		if err := p.configure(ctx, s, key); err != nil {
			return err
		}
		return fn(ctx)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	s := &session{tx: tx, configured: make(map[ConfigKey]bool)}
	if err := p.configure(ctx, s, key); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	ctx = context.WithValue(ctx, sessionKey, s)
	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Provider) configure(ctx context.Context, s *session, key ConfigKey) error {
	if s.configured[key] {
		return nil
	}
	for _, action := range p.actions(key) {
		if err := action(ctx, s.tx); err != nil {
			// Configuration failures must not leak schema names or URLs to
			// clients; log the detail here and return a generic error.
			p.logger.Error().Err(err).
				Str("strategy", key.Strategy).
				Str("tenant", key.Tenant).
				Msg("connection configuration failed")
			return fmt.Errorf("configure connection for tenant %s: setup action failed", key.Tenant)
		}
	}
	s.configured[key] = true
	return nil
}

func sessionFromContext(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey).(*session)
	return s
}

// TxFromContext retrieves the active transaction, if any. Repositories use
// this to join the request's transaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	if s := sessionFromContext(ctx); s != nil {
		return s.tx
	}
	return nil
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTenant stores the tenant ID in context.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenant)
}

// ValidTenantID reports whether the identifier is safe to interpolate into
// a schema name.
func ValidTenantID(tenant string) bool {
	return tenantIDPattern.MatchString(tenant)
}
