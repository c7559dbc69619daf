// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

func newTestConfig() *Config {
	cfg := &Config{
		HomeserverURL: "https://matrix.test",
		BotMXID:       "@bot:test",
		BotToken:      "token",
	}
	cfg.Twitter.ClientID = "cid"
	cfg.Twitter.ClientSecret = "csecret"
	cfg.Feeds.EnableTimelines = true
	cfg.Feeds.EnableHashtags = true
	cfg.Pipeline.EnableMedia = true
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// memStore is an in-memory storage.Store for tests.
type memStore struct {
	mu       sync.Mutex
	cursors  map[string]string
	accounts map[id.UserID]storage.Account
	profiles map[string]storage.Profile
	links    map[string]storage.RoomLink
	dmRooms  map[string]id.RoomID
}

var _ storage.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		cursors:  make(map[string]string),
		accounts: make(map[id.UserID]storage.Account),
		profiles: make(map[string]storage.Profile),
		links:    make(map[string]storage.RoomLink),
		dmRooms:  make(map[string]id.RoomID),
	}
}

func linkKey(roomID id.RoomID, roomType, remoteID string) string {
	return fmt.Sprintf("%s|%s|%s", roomID, roomType, remoteID)
}

func (m *memStore) GetSince(_ context.Context, feedKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[feedKey], nil
}

func (m *memStore) SetSince(_ context.Context, feedKey, sinceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[feedKey] = sinceID
	return nil
}

func (m *memStore) GetAccount(_ context.Context, userMXID id.UserID) (*storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userMXID]; ok {
		cp := acct
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) PutAccount(_ context.Context, acct *storage.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.UserMXID] = *acct
	return nil
}

func (m *memStore) DeleteAccount(_ context.Context, userMXID id.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, userMXID)
	return nil
}

func (m *memStore) ListAccounts(_ context.Context) ([]storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Account
	for _, acct := range m.accounts {
		out = append(out, acct)
	}
	return out, nil
}

func (m *memStore) GetProfileByID(_ context.Context, twitterID string) (*storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[twitterID]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetProfileByScreenName(_ context.Context, screenName string) (*storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.ScreenName == screenName {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) PutProfile(_ context.Context, profile *storage.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.TwitterID] = *profile
	return nil
}

func (m *memStore) GetRoomLinks(_ context.Context, roomID id.RoomID) ([]storage.RoomLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RoomLink
	for _, link := range m.links {
		if link.RoomID == roomID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (m *memStore) GetRoomsByRemote(_ context.Context, roomType, remoteID string) ([]storage.RoomLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RoomLink
	for _, link := range m.links {
		if link.Type == roomType && link.RemoteID == remoteID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (m *memStore) PutRoomLink(_ context.Context, link *storage.RoomLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(link.RoomID, link.Type, link.RemoteID)] = *link
	return nil
}

func (m *memStore) DeleteRoomLink(_ context.Context, roomID id.RoomID, roomType, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkKey(roomID, roomType, remoteID))
	return nil
}

func (m *memStore) DeleteRoomLinksForRoom(_ context.Context, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, link := range m.links {
		if link.RoomID == roomID {
			delete(m.links, key)
		}
	}
	return nil
}

func (m *memStore) ListRoomLinks(_ context.Context) ([]storage.RoomLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RoomLink
	for _, link := range m.links {
		out = append(out, link)
	}
	return out, nil
}

func (m *memStore) GetDMRoom(_ context.Context, pairKey string) (id.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dmRooms[pairKey], nil
}

func (m *memStore) SetDMRoom(_ context.Context, pairKey string, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmRooms[pairKey] = roomID
	return nil
}

func (m *memStore) Close() error { return nil }

// sentMessage records one bridge send for assertions.
type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
	Notice  string
}

// mockBridge is an in-memory bridge.API recording all calls.
type mockBridge struct {
	mu       sync.Mutex
	sent     []sentMessage
	members  map[id.RoomID][]id.UserID
	left     []id.RoomID
	nextRoom int
	handlers []bridge.EventHandler
}

var _ bridge.API = (*mockBridge)(nil)

func newMockBridge() *mockBridge {
	return &mockBridge{members: make(map[id.RoomID][]id.UserID)}
}

func (b *mockBridge) BotUserID() id.UserID { return "@bot:test" }

func (b *mockBridge) OnEvent(handler bridge.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *mockBridge) Sync(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// deliver feeds one event through the registered handlers, synchronously.
func (b *mockBridge) deliver(ctx context.Context, evt *event.Event) {
	b.mu.Lock()
	handlers := make([]bridge.EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(ctx, evt)
	}
}

func (b *mockBridge) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$evt%d", len(b.sent))), nil
}

func (b *mockBridge) SendNotice(_ context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{RoomID: roomID, Notice: text})
	return id.EventID(fmt.Sprintf("$evt%d", len(b.sent))), nil
}

func (b *mockBridge) UploadMedia(_ context.Context, _ []byte, _, fileName string) (id.ContentURIString, error) {
	return id.ContentURIString("mxc://test/" + fileName), nil
}

func (b *mockBridge) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.members[roomID]; ok {
		return members, nil
	}
	return []id.UserID{b.BotUserID(), "@someone:test"}, nil
}

func (b *mockBridge) setMembers(roomID id.RoomID, members ...id.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[roomID] = members
}

func (b *mockBridge) InviteUser(context.Context, id.RoomID, id.UserID) error { return nil }
func (b *mockBridge) JoinRoom(context.Context, id.RoomID) error              { return nil }

func (b *mockBridge) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = append(b.left, roomID)
	return nil
}

func (b *mockBridge) CreateRoom(_ context.Context, _ string, _ []id.UserID, _ bool) (id.RoomID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRoom++
	return id.RoomID(fmt.Sprintf("!dm%d:test", b.nextRoom)), nil
}

func (b *mockBridge) sentMessages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]sentMessage, len(b.sent))
	copy(cp, b.sent)
	return cp
}

// mockTwitter is a twitterAPI with per-method function hooks. Unset hooks
// return empty results.
type mockTwitter struct {
	mu    sync.Mutex
	calls []string

	verifyBearerFunc      func(ctx context.Context) error
	verifyCredentialsFunc func(ctx context.Context) (*twapi.User, error)
	userByIDFunc          func(ctx context.Context, userID string) (*twapi.User, error)
	userTimelineFunc      func(ctx context.Context, userID, sinceID string, count int) ([]twapi.Tweet, error)
	searchTweetsFunc      func(ctx context.Context, query, sinceID string, count int) ([]twapi.Tweet, error)
	getTweetFunc          func(ctx context.Context, tweetID string) (*twapi.Tweet, error)
	postStatusFunc        func(ctx context.Context, text, inReplyTo string) (*twapi.Tweet, error)
	postDMFunc            func(ctx context.Context, recipientID, text string) error
}

var _ twitterAPI = (*mockTwitter)(nil)

func (m *mockTwitter) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockTwitter) callCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockTwitter) VerifyBearer(ctx context.Context) error {
	m.record("VerifyBearer")
	if m.verifyBearerFunc != nil {
		return m.verifyBearerFunc(ctx)
	}
	return nil
}

func (m *mockTwitter) VerifyCredentials(ctx context.Context) (*twapi.User, error) {
	m.record("VerifyCredentials")
	if m.verifyCredentialsFunc != nil {
		return m.verifyCredentialsFunc(ctx)
	}
	return &twapi.User{ID: "100", ScreenName: "testuser"}, nil
}

func (m *mockTwitter) UserByID(ctx context.Context, userID string) (*twapi.User, error) {
	m.record("UserByID")
	if m.userByIDFunc != nil {
		return m.userByIDFunc(ctx, userID)
	}
	return &twapi.User{ID: userID, ScreenName: "user" + userID}, nil
}

func (m *mockTwitter) UserByScreenName(_ context.Context, screenName string) (*twapi.User, error) {
	m.record("UserByScreenName")
	return &twapi.User{ID: "900", ScreenName: screenName}, nil
}

func (m *mockTwitter) UserTimeline(ctx context.Context, userID, sinceID string, count int) ([]twapi.Tweet, error) {
	m.record("UserTimeline")
	if m.userTimelineFunc != nil {
		return m.userTimelineFunc(ctx, userID, sinceID, count)
	}
	return nil, nil
}

func (m *mockTwitter) SearchTweets(ctx context.Context, query, sinceID string, count int) ([]twapi.Tweet, error) {
	m.record("SearchTweets")
	if m.searchTweetsFunc != nil {
		return m.searchTweetsFunc(ctx, query, sinceID, count)
	}
	return nil, nil
}

func (m *mockTwitter) GetTweet(ctx context.Context, tweetID string) (*twapi.Tweet, error) {
	m.record("GetTweet")
	if m.getTweetFunc != nil {
		return m.getTweetFunc(ctx, tweetID)
	}
	return nil, &twapi.APIError{StatusCode: 404, Message: "not found"}
}

func (m *mockTwitter) PostStatus(ctx context.Context, text, inReplyTo string) (*twapi.Tweet, error) {
	m.record("PostStatus")
	if m.postStatusFunc != nil {
		return m.postStatusFunc(ctx, text, inReplyTo)
	}
	return &twapi.Tweet{ID: fmt.Sprintf("posted%d", m.callCount("PostStatus"))}, nil
}

func (m *mockTwitter) PostDM(ctx context.Context, recipientID, text string) error {
	m.record("PostDM")
	if m.postDMFunc != nil {
		return m.postDMFunc(ctx, recipientID, text)
	}
	return nil
}

func (m *mockTwitter) DownloadMedia(context.Context, string) ([]byte, string, error) {
	m.record("DownloadMedia")
	return []byte("img"), "image/jpeg", nil
}

func (m *mockTwitter) OpenUserStream(context.Context) (*twapi.Stream, error) {
	m.record("OpenUserStream")
	return nil, &twapi.APIError{StatusCode: 503, Message: "no stream in tests"}
}

// newTestFactory builds a ClientFactory whose app client and user clients
// are the given mock, bypassing the bearer token flow.
func newTestFactory(cfg *Config, store storage.Store, mock twitterAPI) *ClientFactory {
	f := NewClientFactory(cfg, store, zerolog.Nop())
	f.app = mock
	f.newClient = func(string) twitterAPI { return mock }
	return f
}

func testTweet(tweetID, userID, text string, createdAt time.Time) twapi.Tweet {
	return twapi.Tweet{
		ID:        tweetID,
		FullText:  text,
		CreatedAt: createdAt.Format("Mon Jan 02 15:04:05 -0700 2006"),
		User:      &twapi.User{ID: userID, ScreenName: "user" + userID},
	}
}
