// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

func newTestScheduler(t *testing.T, mock *mockTwitter) (*FeedScheduler, *memStore, *mockBridge, *TweetPipeline) {
	t.Helper()
	cfg := newTestConfig()
	store := newMemStore()
	bridgeAPI := newMockBridge()
	factory := newTestFactory(cfg, store, mock)
	pipeline := NewTweetPipeline(cfg, bridgeAPI, zerolog.Nop())
	sched := NewFeedScheduler(cfg, store, factory, pipeline, bridgeAPI, zerolog.Nop())
	return sched, store, bridgeAPI, pipeline
}

func TestAddTimeline_DisabledKind(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})
	sched.cfg.Feeds.EnableTimelines = false

	added, err := sched.AddTimeline("12345", "!room:test", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Error("disabled kind must report not-added without error")
	}
}

func TestAddTimeline_Validation(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})

	tests := []struct {
		name   string
		userID string
		roomID id.RoomID
	}{
		{"non-numeric user id", "notanumber", "!room:test"},
		{"empty user id", "", "!room:test"},
		{"malformed room id", "12345", "room-without-sigil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.AddTimeline(tt.userID, tt.roomID, false)
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestAddHashtag_NormalizesTag(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})

	if _, err := sched.AddHashtag("#GoLang", "!room:test", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same tag with different case and sigil joins the existing feed.
	if _, err := sched.AddHashtag("golang", "!other:test", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.hashtags) != 1 {
		t.Fatalf("expected 1 hashtag feed, got %d", len(sched.hashtags))
	}
	if sched.hashtags[0].id != "golang" {
		t.Errorf("expected normalized tag golang, got %q", sched.hashtags[0].id)
	}
	if len(sched.hashtags[0].rooms) != 2 {
		t.Errorf("expected 2 rooms on the feed, got %d", len(sched.hashtags[0].rooms))
	}
}

func TestPollNext_RoundRobinOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var polled []string
	mock := &mockTwitter{
		userTimelineFunc: func(_ context.Context, userID, _ string, _ int) ([]twapi.Tweet, error) {
			mu.Lock()
			polled = append(polled, userID)
			mu.Unlock()
			return nil, nil
		},
	}
	sched, _, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	for _, userID := range []string{"1", "2", "3"} {
		if _, err := sched.AddTimeline(userID, "!room:test", false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for range 4 {
		sched.pollNext(ctx, feedTimeline)
	}

	want := []string{"1", "2", "3", "1"}
	if diff := cmp.Diff(want, polled); diff != "" {
		t.Errorf("poll order mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove_KeepsRotationStable(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var polled []string
	mock := &mockTwitter{
		userTimelineFunc: func(_ context.Context, userID, _ string, _ int) ([]twapi.Tweet, error) {
			mu.Lock()
			polled = append(polled, userID)
			mu.Unlock()
			return nil, nil
		},
	}
	sched, _, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	for _, userID := range []string{"1", "2", "3"} {
		if _, err := sched.AddTimeline(userID, "!room:test", false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Poll feeds 1 and 2, then remove feed 1 which sits below the cursor.
	sched.pollNext(ctx, feedTimeline)
	sched.pollNext(ctx, feedTimeline)
	if !sched.RemoveTimeline("1", "!room:test") {
		t.Fatal("expected removal to succeed")
	}

	// The rotation continues with feed 3, then wraps to 2.
	sched.pollNext(ctx, feedTimeline)
	sched.pollNext(ctx, feedTimeline)

	want := []string{"1", "2", "3", "2"}
	if diff := cmp.Diff(want, polled); diff != "" {
		t.Errorf("poll order mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove_LastFeedNeverPanics(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!room:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.pollNext(ctx, feedTimeline)
	sched.RemoveTimeline("1", "!room:test")
	// Ticking with no feeds left must be a no-op.
	sched.pollNext(ctx, feedTimeline)
}

func TestRemove_UnknownFeedWarnsAndReturnsFalse(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})

	if sched.RemoveTimeline("999", "!room:test") {
		t.Error("removing an unknown feed must return false")
	}
	if sched.RemoveHashtag("nosuchtag", "!room:test") {
		t.Error("removing an unknown hashtag must return false")
	}
}

func TestPollFeed_CursorAdvancesOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	now := time.Now()
	fetchErr := errors.New("boom")
	var failNext bool
	mock := &mockTwitter{}
	mock.userTimelineFunc = func(_ context.Context, _, sinceID string, _ int) ([]twapi.Tweet, error) {
		if failNext {
			return nil, fetchErr
		}
		if sinceID == "" {
			return []twapi.Tweet{
				testTweet("30", "1", "third", now),
				testTweet("20", "1", "second", now.Add(-time.Minute)),
				testTweet("10", "1", "first", now.Add(-2*time.Minute)),
			}, nil
		}
		return nil, nil
	}
	sched, store, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!room:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}

	sched.pollNext(ctx, feedTimeline)
	since, _ := store.GetSince(ctx, timelineFeedKey("1"))
	if since != "30" {
		t.Fatalf("expected cursor 30 after successful fetch, got %q", since)
	}

	// A failed fetch leaves the cursor untouched.
	failNext = true
	sched.pollNext(ctx, feedTimeline)
	since, _ = store.GetSince(ctx, timelineFeedKey("1"))
	if since != "30" {
		t.Errorf("cursor moved after failed fetch: %q", since)
	}

	// An empty fetch leaves it untouched too.
	failNext = false
	sched.pollNext(ctx, feedTimeline)
	since, _ = store.GetSince(ctx, timelineFeedKey("1"))
	if since != "30" {
		t.Errorf("cursor moved after empty fetch: %q", since)
	}
}

func TestPollFeed_HoldsCursorOnRetryableFailure(t *testing.T) {
	t.Parallel()
	now := time.Now()
	parentDown := true
	reply := testTweet("21", "1", "reply", now)
	reply.InReplyToStatusID = "99"
	mock := &mockTwitter{}
	mock.userTimelineFunc = func(_ context.Context, _, sinceID string, _ int) ([]twapi.Tweet, error) {
		switch sinceID {
		case "":
			return []twapi.Tweet{reply, testTweet("20", "1", "plain", now.Add(-time.Minute))}, nil
		case "20":
			return []twapi.Tweet{reply}, nil
		}
		return nil, nil
	}
	mock.getTweetFunc = func(_ context.Context, tweetID string) (*twapi.Tweet, error) {
		if parentDown {
			return nil, &twapi.APIError{StatusCode: 503, Message: "over capacity"}
		}
		parent := testTweet(tweetID, "2", "parent", now.Add(-2*time.Minute))
		return &parent, nil
	}
	sched, store, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!room:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The reply's parent fetch fails with a server error, so the cursor
	// stops below the reply instead of skipping it.
	sched.pollNext(ctx, feedTimeline)
	since, _ := store.GetSince(ctx, timelineFeedKey("1"))
	if since != "20" {
		t.Fatalf("expected cursor held at 20, got %q", since)
	}

	// Once the platform recovers, the next rotation picks the reply up.
	parentDown = false
	sched.pollNext(ctx, feedTimeline)
	since, _ = store.GetSince(ctx, timelineFeedKey("1"))
	if since != "21" {
		t.Errorf("expected cursor 21 after retry, got %q", since)
	}
}

func TestPollFeed_DeletedParentDoesNotHoldCursor(t *testing.T) {
	t.Parallel()
	now := time.Now()
	reply := testTweet("21", "1", "reply", now)
	reply.InReplyToStatusID = "99"
	mock := &mockTwitter{
		userTimelineFunc: func(_ context.Context, _, sinceID string, _ int) ([]twapi.Tweet, error) {
			if sinceID == "" {
				return []twapi.Tweet{reply}, nil
			}
			return nil, nil
		},
	}
	// The default GetTweet answers 404. A deleted parent is permanent, so
	// the feed must move on rather than refetch the reply forever.
	sched, store, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!room:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.pollNext(ctx, feedTimeline)
	since, _ := store.GetSince(ctx, timelineFeedKey("1"))
	if since != "21" {
		t.Errorf("expected cursor 21 past the unresolvable reply, got %q", since)
	}
}

func TestPollFeed_DeliversOldestFirst(t *testing.T) {
	t.Parallel()
	now := time.Now()
	mock := &mockTwitter{
		userTimelineFunc: func(context.Context, string, string, int) ([]twapi.Tweet, error) {
			return []twapi.Tweet{
				testTweet("2", "1", "newer", now),
				testTweet("1", "1", "older", now.Add(-time.Minute)),
			}, nil
		},
	}
	sched, _, bridgeAPI, pipeline := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!room:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.pollNext(ctx, feedTimeline)

	if pipeline.QueueDepth() != 2 {
		t.Fatalf("expected 2 queued batches, got %d", pipeline.QueueDepth())
	}
	pipeline.drainOne(ctx)
	pipeline.drainOne(ctx)

	sent := bridgeAPI.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].Content.Body != "@user1: older" {
		t.Errorf("expected oldest tweet first, got %q", sent[0].Content.Body)
	}
	if sent[1].Content.Body != "@user1: newer" {
		t.Errorf("expected newest tweet last, got %q", sent[1].Content.Body)
	}
}

func TestPollNext_SkipsFeedWithOnlyEmptyRooms(t *testing.T) {
	t.Parallel()
	mock := &mockTwitter{}
	sched, _, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!empty:test", true); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.mu.Lock()
	sched.emptyRooms = map[id.RoomID]bool{"!empty:test": true}
	sched.mu.Unlock()

	sched.pollNext(ctx, feedTimeline)
	if n := mock.callCount("UserTimeline"); n != 0 {
		t.Errorf("expected no fetch for all-empty feed, got %d", n)
	}
}

func TestPollNext_NewFeedBypassesSuppressionOnce(t *testing.T) {
	t.Parallel()
	mock := &mockTwitter{}
	sched, _, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!empty:test", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	sched.mu.Lock()
	sched.emptyRooms = map[id.RoomID]bool{"!empty:test": true}
	sched.mu.Unlock()

	sched.pollNext(ctx, feedTimeline)
	if n := mock.callCount("UserTimeline"); n != 1 {
		t.Fatalf("expected one fetch for a brand-new feed, got %d", n)
	}
	// The bypass is single-use.
	sched.pollNext(ctx, feedTimeline)
	if n := mock.callCount("UserTimeline"); n != 1 {
		t.Errorf("expected suppression after the first poll, got %d fetches", n)
	}
}

func TestPollNext_UnknownRoomCountsAsOccupied(t *testing.T) {
	t.Parallel()
	mock := &mockTwitter{}
	sched, _, _, _ := newTestScheduler(t, mock)
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!fresh:test", true); err != nil {
		t.Fatalf("add: %v", err)
	}
	// No membership snapshot exists for the room yet.
	sched.pollNext(ctx, feedTimeline)
	if n := mock.callCount("UserTimeline"); n != 1 {
		t.Errorf("expected a fetch when room membership is unknown, got %d", n)
	}
}

func TestRefreshEmptyRooms(t *testing.T) {
	t.Parallel()
	sched, _, bridgeAPI, _ := newTestScheduler(t, &mockTwitter{})
	ctx := context.Background()

	if _, err := sched.AddTimeline("1", "!lonely:test", true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := sched.AddHashtag("news", "!busy:test", true); err != nil {
		t.Fatalf("add: %v", err)
	}
	bridgeAPI.setMembers("!lonely:test", "@bot:test")
	bridgeAPI.setMembers("!busy:test", "@bot:test", "@alice:test")

	sched.RefreshEmptyRooms(ctx)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if !sched.emptyRooms["!lonely:test"] {
		t.Error("bot-only room should be marked empty")
	}
	if sched.emptyRooms["!busy:test"] {
		t.Error("occupied room must not be marked empty")
	}
}

func TestStartStop_Strict(t *testing.T) {
	t.Parallel()
	sched, _, _, _ := newTestScheduler(t, &mockTwitter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.StopTimelines(); err == nil {
		t.Error("stopping a stopped queue must error")
	}
	if err := sched.StartTimelines(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.StartTimelines(ctx); err == nil {
		t.Error("starting a running queue must error")
	}
	if err := sched.StopTimelines(); err != nil {
		t.Errorf("stop: %v", err)
	}
	if err := sched.StopTimelines(); err == nil {
		t.Error("double stop must error")
	}
}
