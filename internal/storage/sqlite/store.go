// Package sqlite persists poll state in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Ensure Store implements PollStateStore at compile time.
var _ storage.PollStateStore = (*Store)(nil)

type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the poll-state database under
// basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "pollstate.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+ // Balance safety/speed (FULL is slower, OFF risks corruption)
		"&_pragma=wal_autocheckpoint(1000)") // Checkpoint every 1000 pages to prevent WAL accumulation
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

func (s *Store) LastMessageHash(ctx context.Context, nodePubKey string, account types.AccountID, ns types.Namespace) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM last_hashes WHERE node_pubkey = ? AND account = ? AND namespace = ?`,
		nodePubKey, string(account), int(ns)).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *Store) SetLastMessageHash(ctx context.Context, nodePubKey string, account types.AccountID, ns types.Namespace, hash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_hashes (node_pubkey, account, namespace, hash, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(node_pubkey, account, namespace) DO UPDATE SET
		   hash = excluded.hash, updated_at = excluded.updated_at`,
		nodePubKey, string(account), int(ns), hash, now)
	return err
}

func (s *Store) ClearLastMessageHashes(ctx context.Context, account types.AccountID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM last_hashes WHERE account = ?`, string(account))
	return err
}

func (s *Store) MarkMessagesReceived(ctx context.Context, account types.AccountID, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO received_hashes (account, hash, received_at) VALUES (?, ?, ?)
		 ON CONFLICT(account, hash) DO NOTHING`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	var fresh []string
	for _, hash := range hashes {
		res, err := stmt.ExecContext(ctx, string(account), hash, now)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			fresh = append(fresh, hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *Store) ClearReceivedHashes(ctx context.Context, account types.AccountID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM received_hashes WHERE account = ?`, string(account))
	return err
}

func (s *Store) SaveInviteRecord(ctx context.Context, rec storage.InviteRecord) error {
	invitedAt := rec.InvitedAt.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invite_records (group_id, inviter, message_hash, invited_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET
		   inviter = excluded.inviter,
		   message_hash = excluded.message_hash,
		   invited_at = excluded.invited_at`,
		string(rec.Group), string(rec.Inviter), rec.MessageHash, invitedAt)
	return err
}

func (s *Store) GetInviteRecord(ctx context.Context, group types.AccountID) (storage.InviteRecord, error) {
	var rec storage.InviteRecord
	var groupID, inviter, invitedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, inviter, message_hash, invited_at
		 FROM invite_records WHERE group_id = ?`,
		string(group)).Scan(&groupID, &inviter, &rec.MessageHash, &invitedAt)
	if err == sql.ErrNoRows {
		return storage.InviteRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.InviteRecord{}, err
	}

	rec.Group = types.AccountID(groupID)
	rec.Inviter = types.AccountID(inviter)
	rec.InvitedAt, err = time.Parse(time.RFC3339, invitedAt)
	if err != nil {
		slog.Warn("failed to parse invited_at timestamp", "group", group, "value", invitedAt, "error", err)
	}
	return rec, nil
}

func (s *Store) DeleteInviteRecord(ctx context.Context, group types.AccountID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM invite_records WHERE group_id = ?`, string(group))
	return err
}

func (s *Store) InsertGroupInfoMessage(ctx context.Context, msg storage.GroupInfoMessage) error {
	sentAt := msg.SentAt.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_info_messages (group_id, kind, sender, body, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(msg.Group), int(msg.Kind), string(msg.Sender), msg.Body, sentAt)
	return err
}

func (s *Store) GroupInfoMessages(ctx context.Context, group types.AccountID) ([]storage.GroupInfoMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, kind, sender, body, sent_at
		 FROM group_info_messages WHERE group_id = ? ORDER BY id`,
		string(group))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.GroupInfoMessage
	for rows.Next() {
		var msg storage.GroupInfoMessage
		var groupID, sender, sentAt string
		var kind int
		if err := rows.Scan(&groupID, &kind, &sender, &msg.Body, &sentAt); err != nil {
			return nil, err
		}
		msg.Group = types.AccountID(groupID)
		msg.Kind = storage.InfoMessageKind(kind)
		msg.Sender = types.AccountID(sender)
		msg.SentAt, err = time.Parse(time.RFC3339, sentAt)
		if err != nil {
			slog.Warn("failed to parse sent_at timestamp", "group", group, "value", sentAt, "error", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteGroupInfoMessages(ctx context.Context, group types.AccountID, kind storage.InfoMessageKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_info_messages WHERE group_id = ? AND kind = ?`,
		string(group), int(kind))
	return err
}
