package contacts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLite keeps one row per directed relation.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS contacts (
		owner    TEXT NOT NULL,
		contact  TEXT NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner, contact)
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("module", "contacts.sqlite").Str("path", path).Msg("contacts db ready")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Set(ctx context.Context, owner, contact domain.Identity, accepted bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO contacts (owner, contact, accepted) VALUES (?, ?, ?)
		ON CONFLICT(owner, contact) DO UPDATE SET accepted=excluded.accepted`,
		string(owner), string(contact), accepted)
	return err
}

func (s *SQLite) AcceptedContacts(ctx context.Context, id domain.Identity) ([]domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact FROM contacts WHERE owner = ? AND accepted = 1 ORDER BY contact`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, domain.Identity(c))
	}
	return out, rows.Err()
}

func (s *SQLite) Seed(ctx context.Context, edges []config.SeedEdge) error {
	for _, e := range edges {
		owner, contact, err := edgeIdentities(e)
		if err != nil {
			return err
		}
		if err := s.Set(ctx, owner, contact, e.Accepted); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close(context.Context) error { return s.db.Close() }
