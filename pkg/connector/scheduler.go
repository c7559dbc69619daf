// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/telemetry"
	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

type feedKind int

const (
	feedTimeline feedKind = iota
	feedHashtag
)

func (k feedKind) String() string {
	if k == feedTimeline {
		return "timeline"
	}
	return "hashtag"
}

// feedEntry is one polled feed and the rooms it fans out to. isNew marks a
// feed that has never been polled; such feeds bypass empty-room suppression
// exactly once so a fresh subscription gets immediate content.
type feedEntry struct {
	id    string
	kind  feedKind
	rooms map[id.RoomID]struct{}
	isNew bool
}

// FeedScheduler polls timeline and hashtag feeds round-robin, one feed per
// tick per queue. The two queues run on independent timers so a slow or
// disabled kind never starves the other.
type FeedScheduler struct {
	cfg      *Config
	store    storage.Store
	clients  *ClientFactory
	pipeline *TweetPipeline
	bridge   bridge.API
	log      zerolog.Logger

	mu         sync.Mutex
	timelines  []*feedEntry
	hashtags   []*feedEntry
	tlIndex    int
	htIndex    int
	emptyRooms map[id.RoomID]bool

	tlStop    chan struct{}
	htStop    chan struct{}
	watchStop chan struct{}
}

// NewFeedScheduler creates a scheduler. Feeds are registered with Add* and
// the queues started explicitly.
func NewFeedScheduler(cfg *Config, store storage.Store, clients *ClientFactory, pipeline *TweetPipeline, api bridge.API, log zerolog.Logger) *FeedScheduler {
	return &FeedScheduler{
		cfg:        cfg,
		store:      store,
		clients:    clients,
		pipeline:   pipeline,
		bridge:     api,
		log:        log.With().Str("component", "feed_scheduler").Logger(),
		emptyRooms: make(map[id.RoomID]bool),
	}
}

// AddTimeline subscribes a room to a user timeline feed. Returns false
// without error when timeline polling is disabled. Adding the same feed for
// the same room twice is a no-op.
func (s *FeedScheduler) AddTimeline(userID string, roomID id.RoomID, seed bool) (bool, error) {
	if !s.cfg.Feeds.EnableTimelines {
		return false, nil
	}
	if !validTwitterID(userID) {
		return false, &ValidationError{Field: "user_id", Value: userID, Reason: "must be a numeric account id"}
	}
	if !validRoomID(string(roomID)) {
		return false, &ValidationError{Field: "room_id", Value: string(roomID), Reason: "malformed room id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(&s.timelines, feedTimeline, userID, roomID, seed)
	return true, nil
}

// AddHashtag subscribes a room to a hashtag search feed. The tag is
// normalized to lowercase without the leading '#'.
func (s *FeedScheduler) AddHashtag(tag string, roomID id.RoomID, seed bool) (bool, error) {
	if !s.cfg.Feeds.EnableHashtags {
		return false, nil
	}
	tag = normalizeHashtag(tag)
	if !validHashtag(tag) {
		return false, &ValidationError{Field: "hashtag", Value: tag, Reason: "must be alphanumeric"}
	}
	if !validRoomID(string(roomID)) {
		return false, &ValidationError{Field: "room_id", Value: string(roomID), Reason: "malformed room id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(&s.hashtags, feedHashtag, tag, roomID, seed)
	return true, nil
}

// addLocked joins roomID to an existing entry or appends a new one. seed
// marks feeds restored from storage at startup, which are not "new" and get
// no suppression bypass.
func (s *FeedScheduler) addLocked(list *[]*feedEntry, kind feedKind, feedID string, roomID id.RoomID, seed bool) {
	for _, entry := range *list {
		if entry.id == feedID {
			entry.rooms[roomID] = struct{}{}
			return
		}
	}
	*list = append(*list, &feedEntry{
		id:    feedID,
		kind:  kind,
		rooms: map[id.RoomID]struct{}{roomID: {}},
		isNew: !seed,
	})
	s.log.Info().
		Str("kind", kind.String()).
		Str("feed_id", feedID).
		Str("room_id", string(roomID)).
		Msg("Registered feed")
}

// RemoveTimeline drops a room's timeline subscription. An empty roomID
// removes the feed for all rooms. Returns false if nothing matched.
func (s *FeedScheduler) RemoveTimeline(userID string, roomID id.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(&s.timelines, &s.tlIndex, userID, roomID)
}

// RemoveHashtag drops a room's hashtag subscription.
func (s *FeedScheduler) RemoveHashtag(tag string, roomID id.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(&s.hashtags, &s.htIndex, normalizeHashtag(tag), roomID)
}

func (s *FeedScheduler) removeLocked(list *[]*feedEntry, index *int, feedID string, roomID id.RoomID) bool {
	for i, entry := range *list {
		if entry.id != feedID {
			continue
		}
		if roomID != "" {
			if _, ok := entry.rooms[roomID]; !ok {
				s.log.Warn().
					Str("kind", entry.kind.String()).
					Str("feed_id", feedID).
					Str("room_id", string(roomID)).
					Msg("Remove requested for room not subscribed to feed")
				return false
			}
			delete(entry.rooms, roomID)
			if len(entry.rooms) > 0 {
				return true
			}
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		// Keep the rotation pointed at the same next feed.
		if i < *index {
			*index--
		}
		if *index >= len(*list) {
			*index = 0
		}
		return true
	}
	s.log.Warn().Str("feed_id", feedID).Msg("Remove requested for unknown feed")
	return false
}

// StartTimelines launches the timeline poll queue. Starting a running queue
// is an error.
func (s *FeedScheduler) StartTimelines(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlStop != nil {
		return fmt.Errorf("timeline queue already running")
	}
	s.tlStop = make(chan struct{})
	go s.pollLoop(ctx, feedTimeline, s.cfg.TimelinePollInterval(), s.tlStop)
	return nil
}

// StopTimelines halts the timeline poll queue. Stopping a stopped queue is
// an error.
func (s *FeedScheduler) StopTimelines() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlStop == nil {
		return fmt.Errorf("timeline queue not running")
	}
	close(s.tlStop)
	s.tlStop = nil
	return nil
}

// StartHashtags launches the hashtag poll queue.
func (s *FeedScheduler) StartHashtags(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.htStop != nil {
		return fmt.Errorf("hashtag queue already running")
	}
	s.htStop = make(chan struct{})
	go s.pollLoop(ctx, feedHashtag, s.cfg.HashtagPollInterval(), s.htStop)
	return nil
}

// StopHashtags halts the hashtag poll queue.
func (s *FeedScheduler) StopHashtags() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.htStop == nil {
		return fmt.Errorf("hashtag queue not running")
	}
	close(s.htStop)
	s.htStop = nil
	return nil
}

func (s *FeedScheduler) pollLoop(ctx context.Context, kind feedKind, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.pollNext(ctx, kind)
		}
	}
}

// pollNext picks the next pollable feed in rotation and polls it. Feeds
// whose rooms are all empty are skipped unless never polled before; if
// every feed is suppressed the tick does nothing.
func (s *FeedScheduler) pollNext(ctx context.Context, kind feedKind) {
	s.mu.Lock()
	list, index := &s.timelines, &s.tlIndex
	if kind == feedHashtag {
		list, index = &s.hashtags, &s.htIndex
	}
	n := len(*list)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	if *index >= n {
		*index = 0
	}

	var entry *feedEntry
	for scanned := 0; scanned < n; scanned++ {
		candidate := (*list)[*index]
		*index = (*index + 1) % n
		if candidate.isNew || !s.allRoomsEmptyLocked(candidate) {
			entry = candidate
			break
		}
	}
	if entry == nil {
		s.mu.Unlock()
		return
	}
	entry.isNew = false
	feedID := entry.id
	rooms := make([]id.RoomID, 0, len(entry.rooms))
	for roomID := range entry.rooms {
		rooms = append(rooms, roomID)
	}
	s.mu.Unlock()

	s.pollFeed(ctx, kind, feedID, rooms)
}

// allRoomsEmptyLocked reports whether every room of the feed is currently
// known to be empty. A room missing from the membership snapshot counts as
// occupied so new rooms are never suppressed before the first refresh.
func (s *FeedScheduler) allRoomsEmptyLocked(entry *feedEntry) bool {
	if len(entry.rooms) == 0 {
		return true
	}
	for roomID := range entry.rooms {
		empty, known := s.emptyRooms[roomID]
		if !known || !empty {
			return false
		}
	}
	return true
}

// pollFeed fetches new items for one feed and fans them out to its rooms.
// The cursor only advances past items that were processed without a
// retryable failure, so a failed tick or partial batch is retried by the
// next rotation.
func (s *FeedScheduler) pollFeed(ctx context.Context, kind feedKind, feedID string, rooms []id.RoomID) {
	telemetry.AddPoll(kind.String())
	log := s.log.With().Str("kind", kind.String()).Str("feed_id", feedID).Logger()

	client, err := s.clients.AppClient(ctx)
	if err != nil {
		telemetry.AddPollError(kind.String())
		log.Error().Err(err).Msg("No app client for poll")
		return
	}

	var cursorKey string
	var tweets []twapi.Tweet
	switch kind {
	case feedTimeline:
		cursorKey = timelineFeedKey(feedID)
		since, serr := s.store.GetSince(ctx, cursorKey)
		if serr != nil {
			log.Error().Err(serr).Msg("Failed to load cursor")
			return
		}
		tweets, err = client.UserTimeline(ctx, feedID, since, s.cfg.Feeds.FetchLimit)
	case feedHashtag:
		cursorKey = hashtagFeedKey(feedID)
		since, serr := s.store.GetSince(ctx, cursorKey)
		if serr != nil {
			log.Error().Err(serr).Msg("Failed to load cursor")
			return
		}
		tweets, err = client.SearchTweets(ctx, "#"+feedID, since, s.cfg.Feeds.FetchLimit)
	}
	if err != nil {
		telemetry.AddPollError(kind.String())
		log.Warn().Err(classifyRemoteError(err)).Msg("Feed fetch failed")
		return
	}
	if len(tweets) == 0 {
		return
	}
	if len(tweets) >= s.cfg.Feeds.FetchLimit {
		log.Warn().Int("count", len(tweets)).Msg("Fetch hit the item limit, results may be incomplete")
	}

	// Results arrive newest first; deliver oldest first. A retryable
	// failure mid-batch holds the cursor at the last fully processed item
	// so the next rotation picks the remainder up again.
	advance := ""
	remoteFailed := false
	for i := len(tweets) - 1; i >= 0; i-- {
		tweet := &tweets[i]
		itemOK := true
		for _, roomID := range rooms {
			if perr := s.pipeline.Process(ctx, roomID, tweet, s.cfg.Feeds.ReplyDepth, client); perr != nil {
				log.Warn().Err(perr).
					Str("tweet_id", tweet.ID).
					Str("room_id", string(roomID)).
					Msg("Failed to process tweet")
				if retryable(perr) {
					itemOK = false
					remoteFailed = true
				}
			}
		}
		if itemOK && !remoteFailed {
			advance = tweet.ID
		}
	}
	if remoteFailed {
		log.Warn().Str("cursor", advance).Msg("Holding cursor after remote failure, remaining items retry next rotation")
	}
	if advance == "" {
		return
	}
	if err := s.store.SetSince(ctx, cursorKey, advance); err != nil {
		log.Error().Err(err).Msg("Failed to persist cursor")
	}
}

// StartEmptyRoomWatch begins periodic membership refreshes used for
// empty-room suppression.
func (s *FeedScheduler) StartEmptyRoomWatch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchStop != nil {
		return fmt.Errorf("empty-room watch already running")
	}
	s.watchStop = make(chan struct{})
	go s.watchLoop(ctx, s.watchStop)
	return nil
}

// StopEmptyRoomWatch halts the membership refresh loop.
func (s *FeedScheduler) StopEmptyRoomWatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchStop == nil {
		return fmt.Errorf("empty-room watch not running")
	}
	close(s.watchStop)
	s.watchStop = nil
	return nil
}

func (s *FeedScheduler) watchLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.EmptyRoomRefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.RefreshEmptyRooms(ctx)
		}
	}
}

// RefreshEmptyRooms recomputes the membership snapshot for every room any
// feed fans out to. A room with only the bot joined is empty.
func (s *FeedScheduler) RefreshEmptyRooms(ctx context.Context) {
	s.mu.Lock()
	roomSet := make(map[id.RoomID]struct{})
	for _, entry := range s.timelines {
		for roomID := range entry.rooms {
			roomSet[roomID] = struct{}{}
		}
	}
	for _, entry := range s.hashtags {
		for roomID := range entry.rooms {
			roomSet[roomID] = struct{}{}
		}
	}
	s.mu.Unlock()

	snapshot := make(map[id.RoomID]bool, len(roomSet))
	for roomID := range roomSet {
		members, err := s.bridge.JoinedMembers(ctx, roomID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("room_id", string(roomID)).
				Msg("Failed to query room membership")
			continue
		}
		snapshot[roomID] = len(members) <= 1
	}

	s.mu.Lock()
	s.emptyRooms = snapshot
	s.mu.Unlock()
}
