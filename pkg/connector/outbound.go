// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/telemetry"
)

// roomContext is one posting context a room contributes: either a tag the
// message must contain, or a pass that admits any message (the sender's own
// timeline room).
type roomContext struct {
	tag  string
	pass bool
}

// OutboundRouter posts Matrix messages to the platform: context matching
// against the origin room's links, status splitting into reply chains, and
// DM delivery.
type OutboundRouter struct {
	cfg     *Config
	store   storage.Store
	clients *ClientFactory
	bridge  bridge.API
	log     zerolog.Logger

	// dmDedup suppresses immediate resends of the exact same DM text to the
	// same conversation, which also breaks echo loops with the stream.
	dmDedup *DedupCache
}

// NewOutboundRouter creates a router.
func NewOutboundRouter(cfg *Config, store storage.Store, clients *ClientFactory, api bridge.API, log zerolog.Logger) *OutboundRouter {
	return &OutboundRouter{
		cfg:     cfg,
		store:   store,
		clients: clients,
		bridge:  api,
		log:     log.With().Str("component", "outbound_router").Logger(),
		dmDedup: NewDedupCache(1, 1),
	}
}

// Send posts a room message as one or more statuses on behalf of the sender.
// The message must match at least one posting context of the room's links,
// or originate in the sender's own timeline room. Nothing is posted when any
// check fails.
func (r *OutboundRouter) Send(ctx context.Context, senderMXID id.UserID, originRoom id.RoomID, body string, links []storage.RoomLink) error {
	client, account, err := r.userForPosting(ctx, senderMXID)
	if err != nil {
		return err
	}

	contexts, err := r.resolveContexts(ctx, account, links)
	if err != nil {
		return err
	}
	if len(contexts) == 0 {
		return &ContextError{
			UserMessage: "This room has no feed you can post to.",
			Detail:      fmt.Sprintf("room %s has no writable posting context for %s", originRoom, senderMXID),
		}
	}

	text, ok := matchContexts(body, contexts)
	if !ok {
		return &ContextError{
			UserMessage: "Your message doesn't mention any feed linked to this room, so it was not posted.",
			Detail:      fmt.Sprintf("message from %s in %s matches no posting context", senderMXID, originRoom),
		}
	}

	segments, err := splitStatus(text, "@"+account.ScreenName+" ", r.cfg.Outbound.SegmentLength, r.cfg.Outbound.MaxChainLength)
	if err != nil {
		return err
	}

	inReplyTo := ""
	for _, segment := range segments {
		posted, perr := client.PostStatus(ctx, segment, inReplyTo)
		if perr != nil {
			return classifyRemoteError(perr)
		}
		inReplyTo = posted.ID
		telemetry.AddStatusPosted()
	}
	r.log.Debug().
		Str("sender", string(senderMXID)).
		Str("room_id", string(originRoom)).
		Int("segments", len(segments)).
		Msg("Posted status")
	return nil
}

// SendDM delivers a room message as a direct message for the DM conversation
// the room is linked to.
func (r *OutboundRouter) SendDM(ctx context.Context, senderMXID id.UserID, link storage.RoomLink, body string) error {
	client, account, err := r.userForPosting(ctx, senderMXID)
	if err != nil {
		return err
	}
	recipient := dmPairOther(link.RemoteID, account.TwitterID)
	if recipient == "" {
		return &ContextError{
			UserMessage: "You are not a participant of this conversation.",
			Detail:      fmt.Sprintf("%s is not part of DM pair %s", account.TwitterID, link.RemoteID),
		}
	}
	if r.dmDedup.Contains(link.RemoteID, body) {
		r.log.Debug().Str("pair", link.RemoteID).Msg("Dropping duplicate DM")
		return nil
	}
	r.dmDedup.Push(link.RemoteID, body)
	if err := client.PostDM(ctx, recipient, body); err != nil {
		return classifyRemoteError(err)
	}
	return nil
}

// userForPosting resolves the sender's client and distinguishes the two
// rejection causes the user can fix: no linked account, and a read-only
// grant.
func (r *OutboundRouter) userForPosting(ctx context.Context, senderMXID id.UserID) (twitterAPI, *storage.Account, error) {
	client, account, err := r.clients.UserClient(ctx, senderMXID)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, nil, &ContextError{
				UserMessage: "Your Twitter account is not linked. Link it before posting.",
				Detail:      fmt.Sprintf("no usable credentials for %s: %v", senderMXID, err),
			}
		}
		return nil, nil, err
	}
	if !account.CanWrite() {
		return nil, nil, &ContextError{
			UserMessage: "Your Twitter link is read-only, so messages cannot be posted.",
			Detail:      fmt.Sprintf("account %s for %s has access type %q", account.TwitterID, senderMXID, account.AccessType),
		}
	}
	return client, account, nil
}

// resolveContexts maps the room's links to posting contexts. Feed links
// contribute only when bidirectional; the sender's own timeline room admits
// everything; links owned by someone else contribute nothing.
func (r *OutboundRouter) resolveContexts(ctx context.Context, account *storage.Account, links []storage.RoomLink) ([]roomContext, error) {
	var contexts []roomContext
	for _, link := range links {
		switch link.Type {
		case RoomTypeUserTimeline:
			if link.OwnerID == account.TwitterID {
				contexts = append(contexts, roomContext{pass: true})
			}
		case RoomTypeHashtag:
			if link.Bidirectional {
				contexts = append(contexts, roomContext{tag: "#" + link.RemoteID})
			}
		case RoomTypeTimeline:
			if !link.Bidirectional {
				continue
			}
			profile, err := r.clients.Profile(ctx, link.RemoteID)
			if err != nil {
				r.log.Warn().Err(err).
					Str("twitter_id", link.RemoteID).
					Msg("Cannot resolve timeline owner for posting context")
				continue
			}
			contexts = append(contexts, roomContext{tag: "@" + profile.ScreenName})
		}
	}
	return contexts, nil
}

// matchContexts checks the message against the posting contexts. A pass
// context admits the message unchanged. Otherwise at least one context tag
// must appear in the text; hashtags that match no context are stripped so a
// post targeted at one feed doesn't leak stray tags into it.
func matchContexts(body string, contexts []roomContext) (string, bool) {
	tagSet := make(map[string]bool)
	for _, c := range contexts {
		if c.pass {
			return body, true
		}
		tagSet[strings.ToLower(c.tag)] = true
	}

	extracted := extractTags(body)
	matched := false
	for _, tag := range extracted {
		if tagSet[strings.ToLower(tag)] {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	text := body
	for _, tag := range extracted {
		if tag[0] == '#' && !tagSet[strings.ToLower(tag)] {
			text = removeToken(text, tag)
		}
	}
	return strings.Join(strings.Fields(text), " "), true
}

// extractTags returns the hashtags and mentions of the text, with their
// leading sigil, in order of appearance. A token only counts when followed
// by another tag marker, whitespace or the end of the text.
func extractTags(text string) []string {
	var tags []string
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '#' && c != '@' {
			continue
		}
		if i > 0 && !isBoundaryByte(text[i-1]) {
			continue
		}
		j := i + 1
		for j < len(text) && isWordByte(text[j]) {
			j++
		}
		length := j - i - 1
		if length == 0 {
			continue
		}
		if c == '@' && length > 15 {
			continue
		}
		if j < len(text) && !isFollowerByte(text[j]) {
			continue
		}
		tags = append(tags, text[i:j])
		i = j - 1
	}
	return tags
}

// removeToken deletes standalone occurrences of token from text.
func removeToken(text, token string) string {
	var b strings.Builder
	rest := text
	for {
		idx := strings.Index(rest, token)
		if idx < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := idx + len(token)
		standalone := (idx == 0 || isBoundaryByte(rest[idx-1])) &&
			(end == len(rest) || !isWordByte(rest[end]))
		if standalone {
			b.WriteString(rest[:idx])
		} else {
			b.WriteString(rest[:end])
		}
		rest = rest[end:]
	}
}

// splitStatus cuts text into at most maxChain segments of at most segLen
// characters. Segments after the first get the reply prefix. The whole
// message is rejected before any posting when it cannot fit the chain.
func splitStatus(text, prefix string, segLen, maxChain int) ([]string, error) {
	if len(text) <= segLen {
		return []string{text}, nil
	}
	contLen := segLen - len(prefix)
	if contLen <= 0 {
		return nil, &ValidationError{Field: "message", Value: prefix, Reason: "reply prefix leaves no room for content"}
	}

	var segments []string
	remaining := text
	for len(remaining) > 0 {
		limit := segLen
		if len(segments) > 0 {
			limit = contLen
		}
		if len(remaining) <= limit {
			segments = append(segments, remaining)
			break
		}
		cut := limit
		if sp := strings.LastIndexByte(remaining[:limit], ' '); sp > 0 {
			cut = sp
		}
		segments = append(segments, strings.TrimRight(remaining[:cut], " "))
		remaining = strings.TrimLeft(remaining[cut:], " ")
	}
	if len(segments) > maxChain {
		return nil, &ContextError{
			UserMessage: fmt.Sprintf("Your message is too long: it would need %d posts but at most %d are allowed.", len(segments), maxChain),
			Detail:      fmt.Sprintf("message of %d chars needs %d segments, limit %d", len(text), len(segments), maxChain),
		}
	}
	for i := 1; i < len(segments); i++ {
		segments[i] = prefix + segments[i]
	}
	return segments, nil
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func isBoundaryByte(c byte) bool {
	return !isWordByte(c) && c != '#' && c != '@'
}

// isFollowerByte reports whether c may legally follow a tag token: another
// tag marker or whitespace.
func isFollowerByte(c byte) bool {
	return c == '#' || c == '@' || c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
