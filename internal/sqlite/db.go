package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix nanoseconds so ordering and equality are exact.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS products(
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  price_cents INTEGER NOT NULL CHECK (price_cents >= 0),
  image_url   TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS product_branches(
  product_id   TEXT NOT NULL REFERENCES products(id),
  branch_id    TEXT NOT NULL,
  stock        INTEGER NOT NULL CHECK (stock >= 0),
  is_available INTEGER NOT NULL DEFAULT 1,
  updated_at   INTEGER NOT NULL,
  PRIMARY KEY (product_id, branch_id)
);
CREATE INDEX IF NOT EXISTS idx_product_branches_branch ON product_branches(branch_id);

CREATE TABLE IF NOT EXISTS orders(
  id            TEXT PRIMARY KEY,
  user_id       TEXT NOT NULL,
  branch_id     TEXT NOT NULL,
  status        TEXT NOT NULL,
  total_cents   INTEGER NOT NULL CHECK (total_cents >= 0),
  delivery_time INTEGER,
  created_at    INTEGER NOT NULL,
  updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS order_items(
  order_id    TEXT NOT NULL REFERENCES orders(id),
  product_id  TEXT NOT NULL REFERENCES products(id),
  qty         INTEGER NOT NULL CHECK (qty > 0),
  price_cents INTEGER NOT NULL CHECK (price_cents >= 0),
  PRIMARY KEY (order_id, product_id)
);

CREATE TABLE IF NOT EXISTS reservations(
  order_id    TEXT NOT NULL REFERENCES orders(id),
  product_id  TEXT NOT NULL,
  branch_id   TEXT NOT NULL,
  qty         INTEGER NOT NULL CHECK (qty > 0),
  status      TEXT NOT NULL CHECK (status IN ('RESERVED','RELEASED')),
  created_at  INTEGER NOT NULL,
  released_at INTEGER,
  PRIMARY KEY (order_id, product_id)
);
`

// Open opens (or creates) the database at dsn and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: an in-memory database lives and dies with its connection,
	// and SQLite serialises writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
