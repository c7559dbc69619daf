// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

const (
	// streamRetryInterval is the fixed delay before reattaching a dropped
	// stream.
	streamRetryInterval = 30 * time.Second
	// duplicateStreamCooldown applies when the platform reports a duplicate
	// stream: another bridge instance holds the connection, so backing off
	// hard avoids a reconnect fight.
	duplicateStreamCooldown = 10 * time.Minute
)

// StreamSupervisor maintains one user stream per linked account with DM
// access, delivering own-tweet echoes to user timeline rooms and direct
// messages to dedicated DM rooms.
type StreamSupervisor struct {
	cfg      *Config
	store    storage.Store
	clients  *ClientFactory
	pipeline *TweetPipeline
	bridge   bridge.API
	log      zerolog.Logger

	mu      sync.Mutex
	streams map[id.UserID]chan struct{}
}

// NewStreamSupervisor creates a supervisor.
func NewStreamSupervisor(cfg *Config, store storage.Store, clients *ClientFactory, pipeline *TweetPipeline, api bridge.API, log zerolog.Logger) *StreamSupervisor {
	return &StreamSupervisor{
		cfg:      cfg,
		store:    store,
		clients:  clients,
		pipeline: pipeline,
		bridge:   api,
		log:      log.With().Str("component", "stream_supervisor").Logger(),
		streams:  make(map[id.UserID]chan struct{}),
	}
}

// AttachAll starts streams for every stored account with DM access.
func (s *StreamSupervisor) AttachAll(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if acct.AccessType == storage.AccessDM {
			s.Attach(ctx, acct.UserMXID)
		}
	}
	return nil
}

// Attach starts a stream loop for one user. Attaching an already attached
// user is a no-op.
func (s *StreamSupervisor) Attach(ctx context.Context, userMXID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[userMXID]; ok {
		return
	}
	stop := make(chan struct{})
	s.streams[userMXID] = stop
	go s.runLoop(ctx, userMXID, stop)
}

// Detach stops a user's stream loop.
func (s *StreamSupervisor) Detach(userMXID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.streams[userMXID]; ok {
		close(stop)
		delete(s.streams, userMXID)
	}
}

// DetachAll stops every stream loop.
func (s *StreamSupervisor) DetachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userMXID, stop := range s.streams {
		close(stop)
		delete(s.streams, userMXID)
	}
}

func (s *StreamSupervisor) runLoop(ctx context.Context, userMXID id.UserID, stop chan struct{}) {
	log := s.log.With().Str("mxid", string(userMXID)).Logger()
	retry := streamRetryInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		client, account, err := s.clients.UserClient(ctx, userMXID)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				log.Warn().Err(err).Msg("Stream credentials rejected, detaching")
				s.notifyUser(ctx, userMXID,
					"Your Twitter credentials stopped working, so live updates are off. Relink your account to restore them.")
				s.Detach(userMXID)
				return
			}
			log.Warn().Err(err).Msg("Cannot get stream client, retrying")
			if !sleepOrStop(ctx, stop, retry) {
				return
			}
			continue
		}

		stream, err := client.OpenUserStream(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open user stream")
			if !sleepOrStop(ctx, stop, retry) {
				return
			}
			continue
		}
		log.Info().Msg("User stream attached")

		cooldown := s.consume(ctx, stop, stream, userMXID, account, log)
		stream.Close()
		if cooldown < 0 {
			return
		}
		if cooldown == 0 {
			cooldown = retry
		}
		if !sleepOrStop(ctx, stop, cooldown) {
			return
		}
	}
}

// consume reads events until the stream ends. It returns the delay before
// reattaching, or a negative value when the loop should exit for good.
func (s *StreamSupervisor) consume(ctx context.Context, stop chan struct{}, stream *twapi.Stream, userMXID id.UserID, account *storage.Account, log zerolog.Logger) time.Duration {
	for {
		select {
		case <-ctx.Done():
			return -1
		case <-stop:
			return -1
		case ev, ok := <-stream.Events:
			if !ok {
				if err := stream.Err(); err != nil {
					log.Warn().Err(err).Msg("User stream ended")
				}
				return 0
			}
			switch ev.Kind {
			case twapi.StreamTweet:
				s.handleStreamTweet(ctx, account, ev.Tweet, log)
			case twapi.StreamDirectMessage:
				s.handleStreamDM(ctx, userMXID, account, ev.DirectMessage, log)
			case twapi.StreamWarning:
				log.Warn().
					Str("code", ev.Warning.Code).
					Str("message", ev.Warning.Message).
					Msg("Stream warning")
			case twapi.StreamDisconnect:
				log.Warn().
					Int("code", ev.Disconnect.Code).
					Str("reason", ev.Disconnect.Reason).
					Msg("Stream disconnected by remote")
				if ev.Disconnect.Code == twapi.DisconnectCodeDuplicateStream {
					s.notifyUser(ctx, userMXID,
						"Another connection is already streaming for your account. Live updates will retry later.")
					return duplicateStreamCooldown
				}
				return 0
			}
		}
	}
}

// handleStreamTweet fans the account owner's own tweets out to their user
// timeline rooms. Tweets by other accounts arrive via the polled feeds.
func (s *StreamSupervisor) handleStreamTweet(ctx context.Context, account *storage.Account, tweet *twapi.Tweet, log zerolog.Logger) {
	if tweet.User == nil || tweet.User.ID != account.TwitterID {
		return
	}
	client, _, err := s.clients.UserClient(ctx, account.UserMXID)
	if err != nil {
		log.Warn().Err(err).Msg("Lost client while handling stream tweet")
		return
	}
	links, err := s.store.GetRoomsByRemote(ctx, RoomTypeUserTimeline, account.TwitterID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up user timeline rooms")
		return
	}
	for _, link := range links {
		if err := s.pipeline.Process(ctx, link.RoomID, tweet, s.cfg.Feeds.ReplyDepth, client); err != nil {
			log.Warn().Err(err).
				Str("tweet_id", tweet.ID).
				Str("room_id", string(link.RoomID)).
				Msg("Failed to process stream tweet")
		}
	}
}

// handleStreamDM delivers an inbound direct message, creating the DM room
// on first contact. The account owner's own outbound messages are echoed on
// the stream too and are skipped.
func (s *StreamSupervisor) handleStreamDM(ctx context.Context, userMXID id.UserID, account *storage.Account, dm *twapi.DirectMessage, log zerolog.Logger) {
	if dm.SenderID == account.TwitterID {
		return
	}
	pairKey := dmPairKey(dm.SenderID, dm.RecipientID)
	roomID, err := s.store.GetDMRoom(ctx, pairKey)
	if err != nil {
		log.Error().Err(err).Str("pair", pairKey).Msg("Failed to look up DM room")
		return
	}
	if roomID == "" {
		roomID, err = s.createDMRoom(ctx, userMXID, pairKey, dm)
		if err != nil {
			log.Error().Err(err).Str("pair", pairKey).Msg("Failed to create DM room")
			return
		}
	}

	sender := dm.SenderID
	if dm.Sender != nil {
		sender = "@" + dm.Sender.ScreenName
	}
	_, err = s.bridge.SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    sender + ": " + dm.Text,
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to deliver DM")
	}
}

func (s *StreamSupervisor) createDMRoom(ctx context.Context, userMXID id.UserID, pairKey string, dm *twapi.DirectMessage) (id.RoomID, error) {
	name := "Twitter DM"
	if dm.Sender != nil {
		name = "Twitter DM with @" + dm.Sender.ScreenName
	}
	roomID, err := s.bridge.CreateRoom(ctx, name, []id.UserID{userMXID}, true)
	if err != nil {
		return "", err
	}
	if err := s.store.SetDMRoom(ctx, pairKey, roomID); err != nil {
		return "", err
	}
	err = s.store.PutRoomLink(ctx, &storage.RoomLink{
		RoomID:   roomID,
		Type:     RoomTypeDM,
		RemoteID: pairKey,
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// notifyUser drops a notice into the user's service room, if they have one.
func (s *StreamSupervisor) notifyUser(ctx context.Context, userMXID id.UserID, text string) {
	links, err := s.store.GetRoomsByRemote(ctx, RoomTypeService, "service")
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to look up service rooms")
		return
	}
	for _, link := range links {
		if link.OwnerID != string(userMXID) {
			continue
		}
		if _, err := s.bridge.SendNotice(ctx, link.RoomID, text); err != nil {
			s.log.Warn().Err(err).Str("room_id", string(link.RoomID)).Msg("Failed to notify user")
		}
		return
	}
}

func sleepOrStop(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
