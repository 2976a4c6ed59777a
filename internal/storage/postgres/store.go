// Package postgres reads tracked keywords and ads credentials from Postgres
// and appends ranking history rows.
//
// Expected tables:
//
//	tenants(id, label)
//	keywords(id, tenant_id, job_type, keyword, active, place_id, place_name,
//	         blog_id, blog_url, last_checked_at)
//	place_rank_history(keyword_id, organic_rank, ad_rank, found,
//	                   total_scanned, top_n jsonb, checked_at)
//	blog_rank_history(keyword_id, main_tab_exposed, blog_tab_rank, url, checked_at)
//	ads_credentials(tenant_id, customer_id, api_key, secret_key, active)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// ErrKeywordNotFound is returned when an update names an unknown keyword.
var ErrKeywordNotFound = errors.New("keyword not found")

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements tracker.TargetStore and tracker.CredentialStore.
type Store struct {
	pool dbPool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (tests pass a pgxmock pool).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const listTenantsSQL = `
SELECT t.id, t.label
FROM tenants t
WHERE EXISTS (
	SELECT 1 FROM keywords k
	WHERE k.tenant_id = t.id AND k.job_type = $1 AND k.active
)
ORDER BY t.id`

// ListActiveTenants returns tenants with at least one active keyword of jobType.
func (s *Store) ListActiveTenants(ctx context.Context, jobType tracker.JobType) ([]tracker.TenantRef, error) {
	rows, err := s.pool.Query(ctx, listTenantsSQL, string(jobType))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []tracker.TenantRef
	for rows.Next() {
		var t tracker.TenantRef
		if err := rows.Scan(&t.ID, &t.Label); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return out, nil
}

const listKeywordsSQL = `
SELECT id, tenant_id, keyword,
	COALESCE(place_id, ''), COALESCE(place_name, ''),
	COALESCE(blog_id, ''), COALESCE(blog_url, '')
FROM keywords
WHERE tenant_id = $1 AND job_type = $2 AND active
ORDER BY id`

// ListActiveKeywords returns the tenant's active keywords of jobType.
func (s *Store) ListActiveKeywords(ctx context.Context, tenantID string, jobType tracker.JobType) ([]tracker.KeywordTarget, error) {
	rows, err := s.pool.Query(ctx, listKeywordsSQL, tenantID, string(jobType))
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	defer rows.Close()

	var out []tracker.KeywordTarget
	for rows.Next() {
		kw := tracker.KeywordTarget{Active: true}
		if err := rows.Scan(&kw.KeywordID, &kw.TenantID, &kw.Keyword, &kw.PlaceID, &kw.PlaceName, &kw.BlogID, &kw.BlogURL); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		out = append(out, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return out, nil
}

const insertPlaceSQL = `
INSERT INTO place_rank_history (
	keyword_id, organic_rank, ad_rank, found, total_scanned, top_n, checked_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`

// SavePlaceResult appends a place-rank history row.
func (s *Store) SavePlaceResult(ctx context.Context, keywordID string, result tracker.RankingResult) error {
	topN := result.TopN
	if topN == nil {
		topN = []tracker.RankEntry{}
	}
	topJSON, err := json.Marshal(topN)
	if err != nil {
		return fmt.Errorf("marshal top-n: %w", err)
	}
	_, err = s.pool.Exec(ctx, insertPlaceSQL,
		keywordID,
		result.OrganicRank,
		result.AdRank,
		result.Found,
		result.TotalScanned,
		topJSON,
		result.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert place result: %w", err)
	}
	return nil
}

const insertBlogSQL = `
INSERT INTO blog_rank_history (
	keyword_id, main_tab_exposed, blog_tab_rank, url, checked_at
) VALUES ($1,$2,$3,$4,$5)`

// SaveBlogResult appends a blog-rank history row.
func (s *Store) SaveBlogResult(ctx context.Context, keywordID string, result tracker.BlogRankingResult) error {
	_, err := s.pool.Exec(ctx, insertBlogSQL,
		keywordID,
		result.MainTabExposed,
		result.BlogTabRank,
		result.URL,
		result.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert blog result: %w", err)
	}
	return nil
}

const touchSQL = `UPDATE keywords SET last_checked_at = $1 WHERE id = $2`

// TouchLastChecked stamps the keyword's last-checked time.
func (s *Store) TouchLastChecked(ctx context.Context, keywordID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, touchSQL, at, keywordID)
	if err != nil {
		return fmt.Errorf("touch keyword: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch %s: %w", keywordID, ErrKeywordNotFound)
	}
	return nil
}

const listCredentialsSQL = `
SELECT tenant_id, customer_id, api_key, secret_key
FROM ads_credentials
WHERE active
ORDER BY tenant_id`

// ListAdsCredentials returns every active tenant credential.
func (s *Store) ListAdsCredentials(ctx context.Context) ([]tracker.AdsCredential, error) {
	rows, err := s.pool.Query(ctx, listCredentialsSQL)
	if err != nil {
		return nil, fmt.Errorf("list ads credentials: %w", err)
	}
	defer rows.Close()

	var out []tracker.AdsCredential
	for rows.Next() {
		var c tracker.AdsCredential
		if err := rows.Scan(&c.TenantID, &c.CustomerID, &c.APIKey, &c.SecretKey); err != nil {
			return nil, fmt.Errorf("scan ads credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ads credentials: %w", err)
	}
	return out, nil
}
