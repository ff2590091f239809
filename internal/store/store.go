// Package store persists content items and identity relations in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	canonical_id TEXT NOT NULL UNIQUE,
	upstream_aid TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	owner_name TEXT NOT NULL DEFAULT '',
	owner_face TEXT NOT NULL DEFAULT '',
	published_at INTEGER NOT NULL DEFAULT 0,
	duration INTEGER NOT NULL DEFAULT 0,
	quality INTEGER NOT NULL DEFAULT 0,
	views INTEGER NOT NULL DEFAULT 0,
	danmaku INTEGER NOT NULL DEFAULT 0,
	likes INTEGER NOT NULL DEFAULT 0,
	coins INTEGER NOT NULL DEFAULT 0,
	favorites INTEGER NOT NULL DEFAULT 0,
	shares INTEGER NOT NULL DEFAULT 0,
	replies INTEGER NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id TEXT NOT NULL,
	item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(identity_id, item_id, role)
);

CREATE INDEX IF NOT EXISTS idx_relations_identity ON relations(identity_id);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id TEXT NOT NULL,
	upstream_id TEXT NOT NULL DEFAULT '',
	cookie TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 0
);
`

// Store wraps a SQLite database holding items, relations and credentials.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path and applies the
// schema. The connection pool is pinned to one connection; SQLite serializes
// writers anyway and a single connection avoids lock contention errors.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping probes the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertItem inserts an item keyed by canonical id, or refreshes the mutable
// columns of an existing row. The returned item carries the database id.
func (s *Store) UpsertItem(ctx context.Context, item *models.ContentItem) (*models.ContentItem, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", models.ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (
			canonical_id, upstream_aid, title, description, cover_url,
			owner_name, owner_face, published_at, duration, quality,
			views, danmaku, likes, coins, favorites, shares, replies,
			file_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_id) DO UPDATE SET
			upstream_aid = excluded.upstream_aid,
			title = excluded.title,
			description = excluded.description,
			cover_url = excluded.cover_url,
			owner_name = excluded.owner_name,
			owner_face = excluded.owner_face,
			published_at = excluded.published_at,
			duration = excluded.duration,
			quality = excluded.quality,
			views = excluded.views,
			danmaku = excluded.danmaku,
			likes = excluded.likes,
			coins = excluded.coins,
			favorites = excluded.favorites,
			shares = excluded.shares,
			replies = excluded.replies,
			file_path = CASE WHEN excluded.file_path != '' THEN excluded.file_path ELSE items.file_path END,
			updated_at = excluded.updated_at`,
		item.CanonicalID, item.UpstreamAID, item.Title, item.Description, item.CoverURL,
		item.OwnerName, item.OwnerFace, item.PublishedAt, item.Duration, item.Quality,
		item.Views, item.Danmaku, item.Likes, item.Coins, item.Favorites, item.Shares, item.Replies,
		item.FilePath, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert item: %v", models.ErrPersistence, err)
	}

	stored, err := scanItem(tx.QueryRowContext(ctx,
		selectItemColumns+` FROM items WHERE canonical_id = ?`, item.CanonicalID))
	if err != nil {
		return nil, fmt.Errorf("%w: reload item: %v", models.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", models.ErrPersistence, err)
	}
	return stored, nil
}

// AddRelation records an identity/item/role edge. It reports created=false
// when the edge already exists; duplicates never error.
func (s *Store) AddRelation(ctx context.Context, identityID string, itemID int64, role models.RoleTag) (bool, error) {
	if !role.IsValid() {
		return false, fmt.Errorf("%w: unknown role %q", models.ErrPersistence, role)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relations (identity_id, item_id, role, created_at)
		VALUES (?, ?, ?, ?)`,
		identityID, itemID, string(role), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: add relation: %v", models.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: add relation: %v", models.ErrPersistence, err)
	}
	return n > 0, nil
}

// GetByCanonicalID fetches one item by canonical id.
func (s *Store) GetByCanonicalID(ctx context.Context, canonicalID string) (*models.ContentItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		selectItemColumns+` FROM items WHERE canonical_id = ?`, canonicalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get item: %v", models.ErrPersistence, err)
	}
	return item, nil
}

// Get fetches one item by database id.
func (s *Store) Get(ctx context.Context, id int64) (*models.ContentItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		selectItemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get item: %v", models.ErrPersistence, err)
	}
	return item, nil
}

// ListAll returns items newest-first, each carrying its relation edge count.
func (s *Store) ListAll(ctx context.Context, limit, offset int) ([]*models.ContentItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		selectItemColumnsPrefixed+`, COUNT(r.id)
		FROM items i
		LEFT JOIN relations r ON r.item_id = i.id
		GROUP BY i.id
		ORDER BY i.created_at DESC, i.id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list items: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	items := make([]*models.ContentItem, 0)
	for rows.Next() {
		var count int64
		item, err := scanItem(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("%w: scan item: %v", models.ErrPersistence, err)
		}
		item.RelationCount = count
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate items: %v", models.ErrPersistence, err)
	}
	return items, nil
}

// ListByIdentity returns items the identity holds any relation edge to,
// newest-first by edge creation.
func (s *Store) ListByIdentity(ctx context.Context, identityID string) ([]*models.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		selectItemColumnsPrefixed+`
		FROM items i
		JOIN relations r ON r.item_id = i.id
		WHERE r.identity_id = ?
		GROUP BY i.id
		ORDER BY MAX(r.created_at) DESC, i.id DESC`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: list by identity: %v", models.ErrPersistence, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// HasRelation reports whether the identity holds any edge to the item.
func (s *Store) HasRelation(ctx context.Context, identityID string, itemID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM relations WHERE identity_id = ? AND item_id = ?`,
		identityID, itemID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check relation: %v", models.ErrPersistence, err)
	}
	return n > 0, nil
}

// HasRelationRole reports whether the identity holds an edge to the item
// with any of the given roles.
func (s *Store) HasRelationRole(ctx context.Context, identityID string, itemID int64, roles ...models.RoleTag) (bool, error) {
	if len(roles) == 0 {
		return s.HasRelation(ctx, identityID, itemID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	args := []any{identityID, itemID}
	for _, role := range roles {
		args = append(args, string(role))
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM relations WHERE identity_id = ? AND item_id = ? AND role IN (`+placeholders+`)`,
		args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check relation role: %v", models.ErrPersistence, err)
	}
	return n > 0, nil
}

// DeleteItem removes the item row and, via cascade, its relation edges.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete item: %v", models.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ActiveCredential returns the identity's active upstream credential, falling
// back to any active credential in the pool when the identity has none.
func (s *Store) ActiveCredential(ctx context.Context, identityID string) (*models.Credential, error) {
	cred, err := scanCredential(s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, upstream_id, cookie, active FROM accounts
		WHERE identity_id = ? AND active = 1 ORDER BY id LIMIT 1`, identityID))
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credential: %v", models.ErrPersistence, err)
	}

	cred, err = scanCredential(s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, upstream_id, cookie, active FROM accounts
		WHERE active = 1 ORDER BY id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoActiveCredential
	}
	if err != nil {
		return nil, fmt.Errorf("%w: credential: %v", models.ErrPersistence, err)
	}
	return cred, nil
}

// SaveCredential stores an upstream credential for an identity.
func (s *Store) SaveCredential(ctx context.Context, cred *models.Credential) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (identity_id, upstream_id, cookie, active)
		VALUES (?, ?, ?, ?)`,
		cred.IdentityID, cred.UpstreamID, cred.Cookie, boolToInt(cred.Active))
	if err != nil {
		return 0, fmt.Errorf("%w: save credential: %v", models.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: save credential: %v", models.ErrPersistence, err)
	}
	return id, nil
}

const selectItemColumns = `SELECT id, canonical_id, upstream_aid, title, description, cover_url,
	owner_name, owner_face, published_at, duration, quality,
	views, danmaku, likes, coins, favorites, shares, replies,
	file_path, created_at, updated_at`

const selectItemColumnsPrefixed = `SELECT i.id, i.canonical_id, i.upstream_aid, i.title, i.description, i.cover_url,
	i.owner_name, i.owner_face, i.published_at, i.duration, i.quality,
	i.views, i.danmaku, i.likes, i.coins, i.favorites, i.shares, i.replies,
	i.file_path, i.created_at, i.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads one item row; extra receives any trailing columns the
// query selected beyond the standard item column set.
func scanItem(row rowScanner, extra ...any) (*models.ContentItem, error) {
	var item models.ContentItem
	dest := []any{
		&item.ID, &item.CanonicalID, &item.UpstreamAID, &item.Title, &item.Description, &item.CoverURL,
		&item.OwnerName, &item.OwnerFace, &item.PublishedAt, &item.Duration, &item.Quality,
		&item.Views, &item.Danmaku, &item.Likes, &item.Coins, &item.Favorites, &item.Shares, &item.Replies,
		&item.FilePath, &item.CreatedAt, &item.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*models.ContentItem, error) {
	items := make([]*models.ContentItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan item: %v", models.ErrPersistence, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate items: %v", models.ErrPersistence, err)
	}
	return items, nil
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var active int
	err := row.Scan(&cred.ID, &cred.IdentityID, &cred.UpstreamID, &cred.Cookie, &active)
	if err != nil {
		return nil, err
	}
	cred.Active = active != 0
	return &cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
