// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/connector/twitterfmt"
	"github.com/aiku/mautrix-twitter/pkg/telemetry"
	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

// deliveryBatch is one tweet rendered for one room. Messages beyond the
// first are media attachments and are delivered together with the text.
type deliveryBatch struct {
	roomID      id.RoomID
	timestampMS int64
	messages    []*event.MessageEventContent
}

// TweetPipeline turns inbound tweets into Matrix messages: reply-chain
// resolution, content dedup, media upload and timestamp-ordered delivery
// through a periodically drained queue.
type TweetPipeline struct {
	cfg    *Config
	bridge bridge.API
	dedup  *DedupCache
	log    zerolog.Logger

	mu    sync.Mutex
	queue []*deliveryBatch

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTweetPipeline creates a pipeline. Call Start to begin draining.
func NewTweetPipeline(cfg *Config, api bridge.API, log zerolog.Logger) *TweetPipeline {
	return &TweetPipeline{
		cfg:    cfg,
		bridge: api,
		dedup:  NewDedupCache(cfg.Pipeline.DedupCapacity, cfg.Pipeline.DedupEvictChunk),
		log:    log.With().Str("component", "tweet_pipeline").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Process resolves the tweet's reply chain and enqueues the chain for the
// room, ancestors before descendants. A parent that cannot be fetched aborts
// the whole chain so a reply is never delivered without its context.
func (p *TweetPipeline) Process(ctx context.Context, roomID id.RoomID, tweet *twapi.Tweet, maxDepth int, client twitterAPI) error {
	chain, err := p.resolveChain(ctx, tweet, maxDepth, client)
	if err != nil {
		return err
	}
	for i, item := range chain {
		isReply := i > 0 || item.InReplyToStatusID != ""
		p.enqueueTweet(ctx, roomID, item, isReply, client)
	}
	return nil
}

// resolveChain walks the reply ancestry up to maxDepth and returns the chain
// oldest first, ending with the tweet itself. The visited set is local to
// one chain; a repeated id means the remote data is cyclic and the chain is
// rejected outright.
func (p *TweetPipeline) resolveChain(ctx context.Context, tweet *twapi.Tweet, maxDepth int, client twitterAPI) ([]*twapi.Tweet, error) {
	chain := []*twapi.Tweet{tweet}
	visited := map[string]bool{tweet.ID: true}
	current := tweet
	for depth := 0; depth < maxDepth && current.InReplyToStatusID != ""; depth++ {
		parentID := current.InReplyToStatusID
		if visited[parentID] {
			return nil, fmt.Errorf("reply chain cycle at tweet %s", parentID)
		}
		parent, err := client.GetTweet(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("fetch reply parent %s: %w", parentID, classifyRemoteError(err))
		}
		visited[parentID] = true
		chain = append([]*twapi.Tweet{parent}, chain...)
		current = parent
	}
	return chain, nil
}

// enqueueTweet renders one tweet and inserts its batch into the delivery
// queue, or drops it if the same text was recently delivered to the room.
func (p *TweetPipeline) enqueueTweet(ctx context.Context, roomID id.RoomID, tweet *twapi.Tweet, isReply bool, client twitterAPI) {
	body := tweet.Body()
	if p.dedup.Contains(string(roomID), body) {
		telemetry.AddDeduplicated()
		p.log.Debug().
			Str("room_id", string(roomID)).
			Str("tweet_id", tweet.ID).
			Msg("Dropping duplicate tweet")
		return
	}
	p.dedup.Push(string(roomID), body)

	batch := &deliveryBatch{
		roomID:      roomID,
		timestampMS: timestampMS(tweet),
		messages:    []*event.MessageEventContent{renderTweet(tweet, isReply)},
	}
	if p.cfg.Pipeline.EnableMedia {
		batch.messages = append(batch.messages, p.uploadPhotos(ctx, tweet, client)...)
	}

	p.mu.Lock()
	idx := sort.Search(len(p.queue), func(i int) bool {
		return p.queue[i].timestampMS > batch.timestampMS
	})
	p.queue = append(p.queue, nil)
	copy(p.queue[idx+1:], p.queue[idx:])
	p.queue[idx] = batch
	depth := len(p.queue)
	p.mu.Unlock()

	telemetry.SetQueueDepth(depth)
	if depth > p.cfg.Pipeline.LagWarnThreshold {
		p.log.Warn().Int("queue_depth", depth).Msg("Delivery queue is lagging")
	}
}

// renderTweet builds the text message for a tweet. Replies are rendered as
// notices so pulled-in context stays visually quiet next to the primary item.
func renderTweet(tweet *twapi.Tweet, isReply bool) *event.MessageEventContent {
	parsed := twitterfmt.Parse(tweet)
	author := ""
	if tweet.User != nil {
		author = "@" + tweet.User.ScreenName
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    parsed.Body,
	}
	if isReply {
		content.MsgType = event.MsgNotice
	}
	if author != "" {
		content.Body = author + ": " + content.Body
	}
	if parsed.FormattedBody != "" {
		content.Format = parsed.Format
		content.FormattedBody = parsed.FormattedBody
		if author != "" {
			content.FormattedBody = "<strong>" + author + "</strong>: " + content.FormattedBody
		}
	}
	return content
}

// uploadPhotos downloads and re-uploads the tweet's photos concurrently. A
// failed attachment downgrades the batch to text-only rather than failing
// delivery.
func (p *TweetPipeline) uploadPhotos(ctx context.Context, tweet *twapi.Tweet, client twitterAPI) []*event.MessageEventContent {
	photos := tweet.Photos()
	if len(photos) == 0 {
		return nil
	}
	messages := make([]*event.MessageEventContent, len(photos))
	var eg errgroup.Group
	for i, photo := range photos {
		eg.Go(func() error {
			data, mimeType, err := client.DownloadMedia(ctx, photo.MediaURL)
			if err != nil {
				return fmt.Errorf("download %s: %w", photo.MediaURL, err)
			}
			fileName := path.Base(photo.MediaURL)
			uri, err := p.bridge.UploadMedia(ctx, data, mimeType, fileName)
			if err != nil {
				return fmt.Errorf("upload %s: %w", fileName, err)
			}
			messages[i] = &event.MessageEventContent{
				MsgType: event.MsgImage,
				Body:    fileName,
				URL:     uri,
				Info: &event.FileInfo{
					MimeType: mimeType,
					Size:     len(data),
				},
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		p.log.Warn().Err(err).Str("tweet_id", tweet.ID).Msg("Dropping media attachments")
		return nil
	}
	return messages
}

// Start launches the drain loop. One batch is delivered per tick, lowest
// timestamp first, so bursts spread out instead of flooding rooms.
func (p *TweetPipeline) Start(ctx context.Context) {
	go p.drainLoop(ctx)
}

func (p *TweetPipeline) drainLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.DrainInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.drainOne(ctx)
		}
	}
}

func (p *TweetPipeline) drainOne(ctx context.Context) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.queue[0]
	p.queue = p.queue[1:]
	depth := len(p.queue)
	p.mu.Unlock()
	telemetry.SetQueueDepth(depth)

	var eg errgroup.Group
	for _, msg := range batch.messages {
		eg.Go(func() error {
			_, err := p.bridge.SendMessage(ctx, batch.roomID, msg)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		p.log.Error().Err(err).
			Str("room_id", string(batch.roomID)).
			Msg("Failed to deliver batch")
		return
	}
	telemetry.AddDelivered()
}

// QueueDepth returns the number of pending batches.
func (p *TweetPipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop halts the drain loop and waits for it to exit.
func (p *TweetPipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// timestampMS returns the tweet's creation time in unix milliseconds,
// falling back to the current time when the timestamp is unparseable.
func timestampMS(tweet *twapi.Tweet) int64 {
	ts := tweet.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UnixMilli()
}
