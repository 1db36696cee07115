// Package cache provides the shared build cache: a SQLite index over a
// content-addressed blob store. Index rows map cache keys to artifact tree
// hashes; the trees themselves live under cas/ next to the database and are
// verified against their embedded manifests on every hit.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/layout"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// IndexFile is the cache index database, relative to the cache directory.
const IndexFile = "cache.db"

// blobDir holds the content-addressed artifact trees.
const blobDir = "cas"

// Config holds cache configuration.
type Config struct {
	// Dir is the cache directory. Created on Init when missing.
	Dir string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Cache implements engine.BuildCache backed by SQLite and a blob directory.
// The index is read-mostly; writes happen once per freshly built node.
type Cache struct {
	dir string
	cfg Config
	db  *sql.DB
	log zerolog.Logger
}

// New creates a cache instance. Call Init before use.
func New(cfg Config, log zerolog.Logger) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Cache{
		dir: cfg.Dir,
		cfg: cfg,
		log: log.With().Str("component", "cache").Logger(),
	}, nil
}

// Init opens the index database with WAL mode and runs migrations.
func (c *Cache) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(c.dir, blobDir), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate",
		filepath.Join(c.dir, IndexFile))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open cache index: %w", err)
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping cache index: %w", err)
	}

	c.db = db
	return c.migrate()
}

// Close closes the index database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Cache) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(c.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Lookup returns the cached artifact tree for key. A blob that fails
// verification against its embedded manifests is evicted and reported as a
// cache corruption error; the caller rebuilds.
func (c *Cache) Lookup(ctx context.Context, key string) (*engine.ArtifactInfo, bool, error) {
	var hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT output_hash FROM entries WHERE key = ?`, key).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache index: %w", err)
	}

	blob := filepath.Join(c.dir, blobDir, hash)
	if _, err := os.Stat(blob); err != nil {
		c.evict(ctx, key)
		return nil, false, engine.NewCacheCorruptionError(key, "indexed blob is missing")
	}

	verdict, err := layout.Verify(blob)
	if err != nil {
		c.evict(ctx, key)
		return nil, false, err
	}
	if !verdict.OK() {
		c.evict(ctx, key)
		return nil, false, engine.NewCacheCorruptionError(key,
			fmt.Sprintf("blob does not match its manifest (%d missing, %d changed, %d extra)",
				len(verdict.Missing), len(verdict.Changed), len(verdict.Extra)))
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE entries SET last_used_at = ? WHERE key = ?`, time.Now().UTC(), key); err != nil {
		c.log.Warn().Err(err).Msg("failed to touch cache entry")
	}

	return &engine.ArtifactInfo{Path: blob, Hash: hash}, true, nil
}

// Store copies the artifact tree into the blob store and records the index
// row. Identical trees under different keys share one blob.
func (c *Cache) Store(ctx context.Context, key string, info engine.ArtifactInfo) error {
	blob := filepath.Join(c.dir, blobDir, info.Hash)
	if _, err := os.Stat(blob); os.IsNotExist(err) {
		staging := blob + ".tmp"
		if err := os.RemoveAll(staging); err != nil {
			return fmt.Errorf("failed to clear blob staging: %w", err)
		}
		if err := copyTree(info.Path, staging); err != nil {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("failed to copy artifact into cache: %w", err)
		}
		if err := os.Rename(staging, blob); err != nil {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("failed to publish cache blob: %w", err)
		}
	}

	size, err := treeSize(blob)
	if err != nil {
		size = 0
	}

	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO entries (key, output_hash, size_bytes, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			output_hash = excluded.output_hash,
			size_bytes = excluded.size_bytes,
			last_used_at = excluded.last_used_at
	`, key, info.Hash, size, now, now)
	if err != nil {
		return fmt.Errorf("failed to record cache entry: %w", err)
	}
	return nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries   int
	SizeBytes int64
}

// Stat reports entry count and total indexed size.
func (c *Cache) Stat(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM entries`).Scan(&st.Entries, &st.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache stats: %w", err)
	}
	return st, nil
}

// Prune removes entries not used since the cutoff, then deletes blobs no
// remaining entry references.
func (c *Cache) Prune(ctx context.Context, unusedSince time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM entries WHERE last_used_at < ?`, unusedSince.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache index: %w", err)
	}
	n, _ := res.RowsAffected()

	referenced := make(map[string]bool)
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT output_hash FROM entries`)
	if err != nil {
		return int(n), fmt.Errorf("failed to list referenced blobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return int(n), fmt.Errorf("failed to scan blob hash: %w", err)
		}
		referenced[h] = true
	}
	if err := rows.Err(); err != nil {
		return int(n), err
	}

	blobs, err := os.ReadDir(filepath.Join(c.dir, blobDir))
	if err != nil {
		return int(n), fmt.Errorf("failed to list blob directory: %w", err)
	}
	for _, b := range blobs {
		if !referenced[b.Name()] {
			if err := os.RemoveAll(filepath.Join(c.dir, blobDir, b.Name())); err != nil {
				c.log.Warn().Err(err).Str("blob", b.Name()).Msg("failed to delete unreferenced blob")
			}
		}
	}
	return int(n), nil
}

// evict drops one index row and its blob if nothing else references it.
func (c *Cache) evict(ctx context.Context, key string) {
	var hash string
	if err := c.db.QueryRowContext(ctx,
		`SELECT output_hash FROM entries WHERE key = ?`, key).Scan(&hash); err == nil {
		var others int
		_ = c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE output_hash = ? AND key != ?`, hash, key).Scan(&others)
		if others == 0 {
			_ = os.RemoveAll(filepath.Join(c.dir, blobDir, hash))
		}
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to evict cache entry")
	}
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
