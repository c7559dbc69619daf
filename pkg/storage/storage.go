// Copyright 2024-2026 Aiku AI

// Package storage defines the bridge's persistence surface and its SQLite
// implementation: since-cursors, linked accounts, cached profiles, typed
// room links and DM room mappings.
package storage

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// AccessType describes how much a linked account is allowed to do.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessDM    AccessType = "dm"
)

// Account is a Matrix user's linked Twitter credential.
type Account struct {
	UserMXID    id.UserID
	TwitterID   string
	ScreenName  string
	AccessToken string
	AccessType  AccessType
}

// CanWrite reports whether the linkage permits posting.
func (a *Account) CanWrite() bool {
	return a.AccessType == AccessWrite || a.AccessType == AccessDM
}

// Profile is a cached Twitter profile.
type Profile struct {
	TwitterID  string
	ScreenName string
	Name       string
	AvatarURL  string
	UpdatedAt  time.Time
}

// Stale reports whether the cached profile is older than maxAge.
func (p *Profile) Stale(maxAge time.Duration) bool {
	return time.Since(p.UpdatedAt) > maxAge
}

// RoomLink binds a Matrix room to a typed remote entity.
type RoomLink struct {
	RoomID        id.RoomID
	Type          string // service | timeline | hashtag | dm | user_timeline
	RemoteID      string // twitter user id, hashtag text or dm pair key
	Bidirectional bool
	OwnerID       string // twitter id of the bound owner, for (user_)timeline rooms
}

// Store is the persistence interface consumed by the connector.
type Store interface {
	// GetSince returns the stored cursor for a feed key, or "" if none.
	GetSince(ctx context.Context, feedKey string) (string, error)
	SetSince(ctx context.Context, feedKey, sinceID string) error

	// GetAccount returns nil without error when no account is linked.
	GetAccount(ctx context.Context, userMXID id.UserID) (*Account, error)
	PutAccount(ctx context.Context, acct *Account) error
	DeleteAccount(ctx context.Context, userMXID id.UserID) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// GetProfileByID returns nil without error on a cache miss.
	GetProfileByID(ctx context.Context, twitterID string) (*Profile, error)
	GetProfileByScreenName(ctx context.Context, screenName string) (*Profile, error)
	PutProfile(ctx context.Context, profile *Profile) error

	// GetRoomLinks returns every remote binding of a room; a room may be
	// bound to several remote entities at once.
	GetRoomLinks(ctx context.Context, roomID id.RoomID) ([]RoomLink, error)
	GetRoomsByRemote(ctx context.Context, roomType, remoteID string) ([]RoomLink, error)
	PutRoomLink(ctx context.Context, link *RoomLink) error
	DeleteRoomLink(ctx context.Context, roomID id.RoomID, roomType, remoteID string) error
	DeleteRoomLinksForRoom(ctx context.Context, roomID id.RoomID) error
	ListRoomLinks(ctx context.Context) ([]RoomLink, error)

	// GetDMRoom returns "" without error when the pair has no room yet.
	GetDMRoom(ctx context.Context, pairKey string) (id.RoomID, error)
	SetDMRoom(ctx context.Context, pairKey string, roomID id.RoomID) error

	Close() error
}
