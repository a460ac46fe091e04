package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Runs only when GAMBIT_TEST_DATABASE_URL is set; uses a throwaway schema.

func testPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	dsn := os.Getenv("GAMBIT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GAMBIT_TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := fmt.Sprintf("gambit_sess_test_%d", time.Now().UnixNano())
	ddl := []string{
		`CREATE SCHEMA ` + schema,
		`CREATE TABLE ` + schema + `.refresh_tokens (
		    token      text PRIMARY KEY,
		    user_id    bigint NOT NULL,
		    device_id  bigint NOT NULL,
		    ip         text NOT NULL DEFAULT '',
		    country    text NOT NULL DEFAULT '',
		    region     text NOT NULL DEFAULT '',
		    created_at timestamptz NOT NULL,
		    expires_at timestamptz NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA `+schema+` CASCADE`)
	})

	return pool, schema
}

func TestPostgresStore_ReplaceKeepsOneRowPerPair(t *testing.T) {
	pool, schema := testPool(t)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC()

	mk := func(tok string, user, dev int64) RefreshToken {
		return RefreshToken{
			Token: tok, UserID: user, DeviceID: dev,
			IP: "10.0.0.1", Country: "DE", Region: "BE",
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}
	}

	if err := st.Replace(ctx, mk("t1", 1, 7)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := st.Replace(ctx, mk("t2", 1, 7)); err != nil {
		t.Fatalf("Replace (second): %v", err)
	}

	if _, err := st.GetByToken(ctx, "t1"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("t1 must be replaced, got %v", err)
	}
	row, err := st.GetByUserDevice(ctx, 1, 7)
	if err != nil {
		t.Fatalf("GetByUserDevice: %v", err)
	}
	if row.Token != "t2" || row.Country != "DE" {
		t.Fatalf("row = %+v", row)
	}

	// Second device for the same user coexists.
	if err := st.Replace(ctx, mk("t3", 1, 8)); err != nil {
		t.Fatalf("Replace (device 8): %v", err)
	}
	rows, err := st.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
}

func TestPostgresStore_Deletes(t *testing.T) {
	pool, schema := testPool(t)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC()

	seed := func() {
		for i, pair := range [][2]int64{{1, 7}, {1, 8}, {2, 9}} {
			err := st.Replace(ctx, RefreshToken{
				Token: fmt.Sprintf("tok-%d", i), UserID: pair[0], DeviceID: pair[1],
				CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}

	seed()
	if n, _ := st.DeleteByToken(ctx, "tok-0"); n != 1 {
		t.Fatalf("DeleteByToken = %d", n)
	}
	if n, _ := st.DeleteByToken(ctx, "tok-0"); n != 0 {
		t.Fatalf("DeleteByToken (again) = %d", n)
	}
	if n, _ := st.DeleteByUserDevice(ctx, 1, 8); n != 1 {
		t.Fatalf("DeleteByUserDevice = %d", n)
	}

	seed()
	if n, _ := st.DeleteByUser(ctx, 1); n != 2 {
		t.Fatalf("DeleteByUser = %d", n)
	}
	if n, _ := st.DeleteByDevice(ctx, 9); n != 1 {
		t.Fatalf("DeleteByDevice = %d", n)
	}
}
