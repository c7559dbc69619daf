// Copyright 2024-2026 Aiku AI

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSinceCursor_RoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	since, err := store.GetSince(ctx, "timeline_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if since != "" {
		t.Errorf("missing cursor must be empty, got %q", since)
	}

	if err := store.SetSince(ctx, "timeline_1", "100"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetSince(ctx, "timeline_1", "200"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	since, err = store.GetSince(ctx, "timeline_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if since != "200" {
		t.Errorf("cursor = %q, want 200", since)
	}
}

func TestAccount_CRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetAccount(ctx, "@nobody:test")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing account must be nil, got %+v", missing)
	}

	acct := &Account{
		UserMXID:    "@alice:test",
		TwitterID:   "100",
		ScreenName:  "alice_tw",
		AccessToken: "secret",
		AccessType:  AccessWrite,
	}
	if err := store.PutAccount(ctx, acct); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetAccount(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(acct, got); diff != "" {
		t.Errorf("account mismatch (-want +got):\n%s", diff)
	}

	// Upsert replaces the existing row.
	acct.AccessType = AccessDM
	if err := store.PutAccount(ctx, acct); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = store.GetAccount(ctx, "@alice:test")
	if got.AccessType != AccessDM {
		t.Errorf("access type = %q after upsert", got.AccessType)
	}

	if err := store.DeleteAccount(ctx, "@alice:test"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = store.GetAccount(ctx, "@alice:test")
	if got != nil {
		t.Errorf("deleted account still present: %+v", got)
	}
}

func TestListAccounts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, acct := range []*Account{
		{UserMXID: "@b:test", TwitterID: "2", AccessType: AccessRead},
		{UserMXID: "@a:test", TwitterID: "1", AccessType: AccessDM},
	} {
		if err := store.PutAccount(ctx, acct); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 2 || accounts[0].UserMXID != "@a:test" {
		t.Errorf("accounts = %+v", accounts)
	}
}

func TestProfile_RoundTripAndStaleness(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	profile := &Profile{
		TwitterID:  "100",
		ScreenName: "alice_tw",
		Name:       "Alice",
		AvatarURL:  "https://pbs.test/a.jpg",
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := store.PutProfile(ctx, profile); err != nil {
		t.Fatalf("put: %v", err)
	}

	byID, err := store.GetProfileByID(ctx, "100")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if diff := cmp.Diff(profile, byID, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}

	byName, err := store.GetProfileByScreenName(ctx, "alice_tw")
	if err != nil {
		t.Fatalf("get by screen name: %v", err)
	}
	if byName == nil || byName.TwitterID != "100" {
		t.Errorf("lookup by screen name = %+v", byName)
	}

	if byID.Stale(time.Hour) {
		t.Error("fresh profile must not be stale")
	}
	old := &Profile{TwitterID: "7", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	if !old.Stale(24 * time.Hour) {
		t.Error("two-day-old profile must be stale")
	}
}

func TestRoomLinks_MultipleLinksPerRoom(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	links := []*RoomLink{
		{RoomID: "!room:test", Type: "hashtag", RemoteID: "news", Bidirectional: true},
		{RoomID: "!room:test", Type: "hashtag", RemoteID: "sports"},
		{RoomID: "!room:test", Type: "timeline", RemoteID: "100", OwnerID: "100"},
	}
	for _, link := range links {
		if err := store.PutRoomLink(ctx, link); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.GetRoomLinks(ctx, "!room:test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 links, got %d", len(got))
	}

	// Deleting one binding leaves the others.
	if err := store.DeleteRoomLink(ctx, "!room:test", "hashtag", "sports"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = store.GetRoomLinks(ctx, "!room:test")
	if len(got) != 2 {
		t.Errorf("expected 2 links after delete, got %d", len(got))
	}

	if err := store.DeleteRoomLinksForRoom(ctx, "!room:test"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	got, _ = store.GetRoomLinks(ctx, "!room:test")
	if len(got) != 0 {
		t.Errorf("expected no links after room delete, got %+v", got)
	}
}

func TestRoomLinks_ByRemote(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, link := range []*RoomLink{
		{RoomID: "!a:test", Type: "hashtag", RemoteID: "news"},
		{RoomID: "!b:test", Type: "hashtag", RemoteID: "news"},
		{RoomID: "!c:test", Type: "hashtag", RemoteID: "other"},
	} {
		if err := store.PutRoomLink(ctx, link); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.GetRoomsByRemote(ctx, "hashtag", "news")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rooms, got %+v", got)
	}
	if got[0].RoomID != "!a:test" || got[1].RoomID != "!b:test" {
		t.Errorf("rooms = %+v", got)
	}
}

func TestRoomLinks_UpsertUpdatesFlags(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	link := &RoomLink{RoomID: "!room:test", Type: "hashtag", RemoteID: "news"}
	if err := store.PutRoomLink(ctx, link); err != nil {
		t.Fatalf("put: %v", err)
	}
	link.Bidirectional = true
	if err := store.PutRoomLink(ctx, link); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := store.GetRoomLinks(ctx, "!room:test")
	if len(got) != 1 {
		t.Fatalf("upsert must not duplicate, got %d links", len(got))
	}
	if !got[0].Bidirectional {
		t.Error("bidirectional flag not updated")
	}
}

func TestDMRoom_RoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	room, err := store.GetDMRoom(ctx, "100:200")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if room != "" {
		t.Errorf("missing pair must map to empty room, got %q", room)
	}

	if err := store.SetDMRoom(ctx, "100:200", "!dm:test"); err != nil {
		t.Fatalf("set: %v", err)
	}
	room, err = store.GetDMRoom(ctx, "100:200")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if room != "!dm:test" {
		t.Errorf("room = %q", room)
	}
}

func TestCanWrite(t *testing.T) {
	t.Parallel()
	tests := []struct {
		access AccessType
		want   bool
	}{
		{AccessRead, false},
		{AccessWrite, true},
		{AccessDM, true},
	}
	for _, tt := range tests {
		acct := &Account{AccessType: tt.access}
		if acct.CanWrite() != tt.want {
			t.Errorf("CanWrite(%s) = %v, want %v", tt.access, !tt.want, tt.want)
		}
	}
}
