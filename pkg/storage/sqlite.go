// Copyright 2024-2026 Aiku AI

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/storage/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetSince(ctx context.Context, feedKey string) (string, error) {
	var sinceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT since_id FROM since_cursors WHERE feed_key = ?`, feedKey,
	).Scan(&sinceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query since cursor: %w", err)
	}
	return sinceID, nil
}

func (s *SQLite) SetSince(ctx context.Context, feedKey, sinceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO since_cursors (feed_key, since_id) VALUES (?, ?)
		 ON CONFLICT(feed_key) DO UPDATE SET since_id = excluded.since_id`,
		feedKey, sinceID,
	)
	if err != nil {
		return fmt.Errorf("upsert since cursor: %w", err)
	}
	return nil
}

func (s *SQLite) GetAccount(ctx context.Context, userMXID id.UserID) (*Account, error) {
	var acct Account
	var mxid string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_mxid, twitter_id, screen_name, access_token, access_type
		 FROM accounts WHERE user_mxid = ?`, string(userMXID),
	).Scan(&mxid, &acct.TwitterID, &acct.ScreenName, &acct.AccessToken, &acct.AccessType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	acct.UserMXID = id.UserID(mxid)
	return &acct, nil
}

func (s *SQLite) PutAccount(ctx context.Context, acct *Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_mxid, twitter_id, screen_name, access_token, access_type)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_mxid) DO UPDATE SET
		   twitter_id = excluded.twitter_id,
		   screen_name = excluded.screen_name,
		   access_token = excluded.access_token,
		   access_type = excluded.access_type`,
		string(acct.UserMXID), acct.TwitterID, acct.ScreenName, acct.AccessToken, string(acct.AccessType),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteAccount(ctx context.Context, userMXID id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE user_mxid = ?`, string(userMXID),
	)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_mxid, twitter_id, screen_name, access_token, access_type
		 FROM accounts ORDER BY user_mxid`,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var acct Account
		var mxid string
		if err := rows.Scan(&mxid, &acct.TwitterID, &acct.ScreenName, &acct.AccessToken, &acct.AccessType); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.UserMXID = id.UserID(mxid)
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *SQLite) GetProfileByID(ctx context.Context, twitterID string) (*Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx,
		`SELECT twitter_id, screen_name, name, avatar_url, updated_at
		 FROM profiles WHERE twitter_id = ?`, twitterID,
	))
}

func (s *SQLite) GetProfileByScreenName(ctx context.Context, screenName string) (*Profile, error) {
	return s.scanProfile(s.db.QueryRowContext(ctx,
		`SELECT twitter_id, screen_name, name, avatar_url, updated_at
		 FROM profiles WHERE screen_name = ?`, screenName,
	))
}

func (s *SQLite) scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	var updatedAt string
	err := row.Scan(&p.TwitterID, &p.ScreenName, &p.Name, &p.AvatarURL, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &p, nil
}

func (s *SQLite) PutProfile(ctx context.Context, profile *Profile) error {
	updatedAt := profile.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (twitter_id, screen_name, name, avatar_url, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(twitter_id) DO UPDATE SET
		   screen_name = excluded.screen_name,
		   name = excluded.name,
		   avatar_url = excluded.avatar_url,
		   updated_at = excluded.updated_at`,
		profile.TwitterID, profile.ScreenName, profile.Name, profile.AvatarURL,
		updatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLite) GetRoomLinks(ctx context.Context, roomID id.RoomID) ([]RoomLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, type, remote_id, bidirectional, owner_id
		 FROM room_links WHERE room_id = ? ORDER BY type, remote_id`, string(roomID),
	)
	if err != nil {
		return nil, fmt.Errorf("query room links: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRoomLinks(rows)
}

func (s *SQLite) GetRoomsByRemote(ctx context.Context, roomType, remoteID string) ([]RoomLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, type, remote_id, bidirectional, owner_id
		 FROM room_links WHERE type = ? AND remote_id = ? ORDER BY room_id`,
		roomType, remoteID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rooms by remote: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRoomLinks(rows)
}

func (s *SQLite) ListRoomLinks(ctx context.Context) ([]RoomLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, type, remote_id, bidirectional, owner_id
		 FROM room_links ORDER BY room_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query room links: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRoomLinks(rows)
}

func scanRoomLinks(rows *sql.Rows) ([]RoomLink, error) {
	var links []RoomLink
	for rows.Next() {
		var link RoomLink
		var room string
		var bidirectional int
		if err := rows.Scan(&room, &link.Type, &link.RemoteID, &bidirectional, &link.OwnerID); err != nil {
			return nil, fmt.Errorf("scan room link: %w", err)
		}
		link.RoomID = id.RoomID(room)
		link.Bidirectional = bidirectional != 0
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *SQLite) PutRoomLink(ctx context.Context, link *RoomLink) error {
	bidirectional := 0
	if link.Bidirectional {
		bidirectional = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_links (room_id, type, remote_id, bidirectional, owner_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, type, remote_id) DO UPDATE SET
		   bidirectional = excluded.bidirectional,
		   owner_id = excluded.owner_id`,
		string(link.RoomID), link.Type, link.RemoteID, bidirectional, link.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("upsert room link: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteRoomLink(ctx context.Context, roomID id.RoomID, roomType, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_links WHERE room_id = ? AND type = ? AND remote_id = ?`,
		string(roomID), roomType, remoteID,
	)
	if err != nil {
		return fmt.Errorf("delete room link: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteRoomLinksForRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_links WHERE room_id = ?`, string(roomID),
	)
	if err != nil {
		return fmt.Errorf("delete room links: %w", err)
	}
	return nil
}

func (s *SQLite) GetDMRoom(ctx context.Context, pairKey string) (id.RoomID, error) {
	var room string
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id FROM dm_rooms WHERE pair_key = ?`, pairKey,
	).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query dm room: %w", err)
	}
	return id.RoomID(room), nil
}

func (s *SQLite) SetDMRoom(ctx context.Context, pairKey string, roomID id.RoomID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dm_rooms (pair_key, room_id) VALUES (?, ?)
		 ON CONFLICT(pair_key) DO UPDATE SET room_id = excluded.room_id`,
		pairKey, string(roomID),
	)
	if err != nil {
		return fmt.Errorf("upsert dm room: %w", err)
	}
	return nil
}
