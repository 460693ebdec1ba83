// Package registry provides the Postgres-backed endpoint registry. The
// dispatcher only reads it; endpoints and subscriptions are managed by the
// tenant administration layer.
//
// Expected tables:
//
//	adcp.webhook_endpoints(id, url, secret, enabled)
//	adcp.webhook_subscriptions(endpoint_id, tenant_id, principal_id, event_class)
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

// Querier is the subset of *pgxpool.Pool the registry needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres implements webhook.Directory.
type Postgres struct {
	db Querier
}

var _ webhook.Directory = (*Postgres)(nil)

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Resolve(ctx context.Context, url string) (webhook.Destination, error) {
	var (
		d      webhook.Destination
		secret string
	)
	err := p.db.QueryRow(ctx, `
		SELECT url, secret, enabled
		FROM adcp.webhook_endpoints
		WHERE url=$1`, url).Scan(&d.URL, &secret, &d.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Destination{}, fmt.Errorf("%w: %s", webhook.ErrDestinationNotFound, url)
	}
	if err != nil {
		return webhook.Destination{}, fmt.Errorf("query endpoint: %w", err)
	}
	d.Secret = []byte(secret)
	return d, nil
}

// Lookup returns every enabled endpoint subscribed to key, ordered by URL.
func (p *Postgres) Lookup(ctx context.Context, key webhook.Key) ([]webhook.Destination, error) {
	rows, err := p.db.Query(ctx, `
		SELECT e.url, e.secret, e.enabled
		FROM adcp.webhook_subscriptions s
		JOIN adcp.webhook_endpoints e ON e.id = s.endpoint_id
		WHERE s.tenant_id=$1 AND s.principal_id=$2 AND s.event_class=$3 AND e.enabled
		ORDER BY e.url`,
		key.TenantID, key.PrincipalID, key.EventClass)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []webhook.Destination
	for rows.Next() {
		var (
			d      webhook.Destination
			secret string
		)
		if err := rows.Scan(&d.URL, &secret, &d.Enabled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		d.Secret = []byte(secret)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// Execer is the subset of *pgxpool.Pool used for the subscription seed
// helpers below.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Upsert registers or updates an endpoint. Used by tooling and tests; the
// dispatcher itself never writes.
func Upsert(ctx context.Context, db Execer, d webhook.Destination) error {
	if err := webhook.ValidateDestination(d); err != nil {
		return err
	}
	_, err := db.Exec(ctx, `
		INSERT INTO adcp.webhook_endpoints(url, secret, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET secret=EXCLUDED.secret, enabled=EXCLUDED.enabled`,
		d.URL, string(d.Secret), d.Enabled)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

// Subscribe attaches an existing endpoint to a tenant/principal/event class.
// Subscribing twice, or naming an unknown url, inserts nothing.
func Subscribe(ctx context.Context, db Execer, key webhook.Key, url string) error {
	if key.TenantID == "" || key.PrincipalID == "" || key.EventClass == "" {
		return errors.New("subscription key requires tenant, principal and event class")
	}
	_, err := db.Exec(ctx, `
		INSERT INTO adcp.webhook_subscriptions(endpoint_id, tenant_id, principal_id, event_class)
		SELECT id, $2, $3, $4 FROM adcp.webhook_endpoints WHERE url=$1
		ON CONFLICT DO NOTHING`,
		url, key.TenantID, key.PrincipalID, key.EventClass)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}
