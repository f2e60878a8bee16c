// Package statestore persists the serialized state of authentication flows
// between invocations, keyed by site and login.
package statestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bankauth-backend/internal/components/chrono"
	"bankauth-backend/internal/sca"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// ErrNotFound is returned by Get when no live state is stored.
var ErrNotFound = errors.New("state not found")

const (
	cacheSize = 2048
	cacheTTL  = 15 * time.Minute
)

type Config struct {
	// File is a local sqlite database, used when Url is empty.
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func wrapOpenDB(err error) error {
	return fmt.Errorf("open state db: %w", err)
}

func (c Config) OpenDB() (*sql.DB, error) {
	if c.Url != "" {
		values := url.Values{}
		if c.AuthToken != "" {
			values.Add("authToken", c.AuthToken)
		}
		db, err := sql.Open("libsql", c.Url+"?"+values.Encode())
		if err != nil {
			return nil, wrapOpenDB(err)
		}
		return db, nil
	}

	if c.File == "" {
		return nil, wrapOpenDB(fmt.Errorf("neither a file nor a url was specified"))
	}
	if c.File != ":memory:" {
		os.MkdirAll(filepath.Dir(c.File), 0777)
	}
	db, err := sql.Open("sqlite", c.File)
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

type key struct {
	site  string
	login string
}

type entry struct {
	state     sca.PendingOperationState
	expiresAt time.Time
}

// Entry is a stored state as listed by List.
type Entry struct {
	Site      string
	Login     string
	Operation sca.Operation
	Pending   bool
	ExpiresAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db         *sql.DB
	clock      chrono.API
	pendingTTL time.Duration
	cache      *expirable.LRU[key, entry]
}

// Open creates the schema if needed and returns a store over db. States
// waiting on the user are kept pendingTTL after they were saved.
func Open(ctx context.Context, db *sql.DB, clock chrono.API, pendingTTL time.Duration) (*Store, error) {
	// remote libsql takes one statement per call
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("create state schema: %w", err)
		}
	}
	if pendingTTL <= 0 {
		pendingTTL = cacheTTL
	}
	return &Store{
		db:         db,
		clock:      clock,
		pendingTTL: pendingTTL,
		cache:      expirable.NewLRU[key, entry](cacheSize, nil, cacheTTL),
	}, nil
}

func (s *Store) Get(ctx context.Context, site, login string) (sca.PendingOperationState, error) {
	now := s.clock.Now()
	k := key{site: site, login: login}
	if cached, ok := s.cache.Get(k); ok {
		if now.Before(cached.expiresAt) {
			return cached.state, nil
		}
		s.cache.Remove(k)
	}

	var blob []byte
	var expiresAt int64
	err := s.db.QueryRowContext(
		ctx,
		"select blob, expires_at from auth_state where site = ? and login = ?",
		site, login,
	).Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sca.PendingOperationState{}, ErrNotFound
	}
	if err != nil {
		return sca.PendingOperationState{}, fmt.Errorf("get state: %w", err)
	}
	expires := time.Unix(expiresAt, 0)
	if !now.Before(expires) {
		return sca.PendingOperationState{}, ErrNotFound
	}

	state, err := sca.UnmarshalState(blob)
	if err != nil {
		return sca.PendingOperationState{}, err
	}
	s.cache.Add(k, entry{state: state, expiresAt: expires})
	return state, nil
}

// Put stores state under its site and login, replacing any previous one.
func (s *Store) Put(ctx context.Context, state sca.PendingOperationState) error {
	if state.Site == "" || state.Login == "" {
		return fmt.Errorf("put state: site and login are required")
	}
	now := s.clock.Now()
	if state.SavedAt.IsZero() {
		state.SavedAt = now
	}
	blob, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	expires := state.ExpiresAt(s.pendingTTL)

	_, err = s.db.ExecContext(
		ctx,
		`insert into auth_state(site, login, blob, expires_at, updated_at) values (?, ?, ?, ?, ?)
		on conflict(site, login) do update set
			blob = excluded.blob,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		state.Site, state.Login, blob, expires.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}

	state.Version = sca.StateVersion
	s.cache.Add(key{site: state.Site, login: state.Login}, entry{state: state, expiresAt: expires})
	return nil
}

func (s *Store) Delete(ctx context.Context, site, login string) error {
	s.cache.Remove(key{site: site, login: login})
	_, err := s.db.ExecContext(ctx, "delete from auth_state where site = ? and login = ?", site, login)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// List returns the live states, ordered by site then login.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		"select site, login, blob, expires_at, updated_at from auth_state where expires_at > ? order by site, login",
		s.clock.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var site, login string
		var blob []byte
		var expiresAt, updatedAt int64
		err = rows.Scan(&site, &login, &blob, &expiresAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("list states: %w", err)
		}
		state, err := sca.UnmarshalState(blob)
		if err != nil {
			slog.Warn("skipping unreadable state", "site", site, "login", login, "err", err)
			continue
		}
		out = append(out, Entry{
			Site:      site,
			Login:     login,
			Operation: state.Operation,
			Pending:   state.Pending(),
			ExpiresAt: time.Unix(expiresAt, 0),
			UpdatedAt: time.Unix(updatedAt, 0),
		})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return out, nil
}

// Prune deletes every state expired at now and returns how many were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "delete from auth_state where expires_at <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune states: %w", err)
	}
	for _, k := range s.cache.Keys() {
		cached, ok := s.cache.Peek(k)
		if ok && !now.Before(cached.expiresAt) {
			s.cache.Remove(k)
		}
	}
	return result.RowsAffected()
}

// StartPruneDaemon prunes expired states every interval until ctx is done.
func (s *Store) StartPruneDaemon(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "start daemon", "task", "prune auth states")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := s.Prune(ctx, s.clock.Now())
		if err != nil {
			slog.WarnContext(ctx, "failed to prune auth states", "err", err)
			continue
		}
		if n > 0 {
			slog.DebugContext(ctx, "pruned auth states", "count", n)
		}
	}
}
