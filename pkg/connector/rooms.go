// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
)

// aliasPrefix is the localpart prefix for provisioned feed rooms, e.g.
// #twitter_@someuser:example.com or #twitter_#sometag:example.com.
const aliasPrefix = "twitter_"

// RoomTypeRouter dispatches Matrix room events by the room's link types:
// service rooms take commands, DM rooms forward privately, feed rooms post
// through the outbound router.
type RoomTypeRouter struct {
	cfg       *Config
	store     storage.Store
	bridge    bridge.API
	clients   *ClientFactory
	outbound  *OutboundRouter
	scheduler *FeedScheduler
	log       zerolog.Logger
}

// NewRoomTypeRouter creates a router.
func NewRoomTypeRouter(cfg *Config, store storage.Store, api bridge.API, clients *ClientFactory, outbound *OutboundRouter, scheduler *FeedScheduler, log zerolog.Logger) *RoomTypeRouter {
	return &RoomTypeRouter{
		cfg:       cfg,
		store:     store,
		bridge:    api,
		clients:   clients,
		outbound:  outbound,
		scheduler: scheduler,
		log:       log.With().Str("component", "room_router").Logger(),
	}
}

// DispatchEvent routes one synced Matrix event to the matching handler.
// Handler failures are logged, never propagated, so one bad event cannot
// take down the sync loop.
func (r *RoomTypeRouter) DispatchEvent(ctx context.Context, evt *event.Event) {
	var err error
	switch evt.Type {
	case event.StateMember:
		if evt.StateKey == nil {
			return
		}
		target := id.UserID(*evt.StateKey)
		switch evt.Content.AsMember().Membership {
		case event.MembershipInvite:
			err = r.HandleInvite(ctx, evt.RoomID, evt.Sender, target)
		case event.MembershipLeave, event.MembershipBan:
			err = r.HandleLeave(ctx, evt.RoomID, target)
		}
	case event.EventMessage:
		msg := evt.Content.AsMessage()
		if msg.MsgType != event.MsgText {
			return
		}
		err = r.HandleMessage(ctx, evt.RoomID, evt.Sender, msg.Body)
	case event.StateCanonicalAlias:
		alias := evt.Content.AsCanonicalAlias().Alias
		if alias == "" {
			return
		}
		err = r.HandleRoomAlias(ctx, alias, evt.RoomID)
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			// Most aliases don't name a feed.
			err = nil
		}
	}
	if err != nil {
		r.log.Warn().Err(err).
			Str("room_id", string(evt.RoomID)).
			Str("event_type", evt.Type.Type).
			Msg("Event handler failed")
	}
}

// HandleInvite processes an invite for the bridge bot. An invite to an
// unlinked room turns it into the inviter's service room; invites to rooms
// that already carry links are just joined. Invites sent by the bot itself
// are ignored to avoid loops.
func (r *RoomTypeRouter) HandleInvite(ctx context.Context, roomID id.RoomID, inviter, invitee id.UserID) error {
	if inviter == r.bridge.BotUserID() || invitee != r.bridge.BotUserID() {
		return nil
	}
	if err := r.bridge.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	links, err := r.store.GetRoomLinks(ctx, roomID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		return nil
	}
	err = r.store.PutRoomLink(ctx, &storage.RoomLink{
		RoomID:   roomID,
		Type:     RoomTypeService,
		RemoteID: "service",
		OwnerID:  string(inviter),
	})
	if err != nil {
		return err
	}
	_, err = r.bridge.SendNotice(ctx, roomID,
		"Hi! This is now your Twitter bridge service room. Say \"help\" for commands.")
	return err
}

// HandleMessage dispatches a room message by the room's link types.
func (r *RoomTypeRouter) HandleMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error {
	if sender == r.bridge.BotUserID() {
		return nil
	}
	links, err := r.store.GetRoomLinks(ctx, roomID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	for _, link := range links {
		switch link.Type {
		case RoomTypeService:
			return r.handleCommand(ctx, roomID, sender, body)
		case RoomTypeDM:
			return r.notifyOnReject(ctx, roomID, r.outbound.SendDM(ctx, sender, link, body))
		}
	}
	return r.notifyOnReject(ctx, roomID, r.outbound.Send(ctx, sender, roomID, body, links))
}

// notifyOnReject turns a ContextError into a friendly room notice and keeps
// the technical detail in the log. Other errors pass through.
func (r *RoomTypeRouter) notifyOnReject(ctx context.Context, roomID id.RoomID, err error) error {
	var ctxErr *ContextError
	if errors.As(err, &ctxErr) {
		r.log.Info().Str("room_id", string(roomID)).Msg(ctxErr.Detail)
		_, nerr := r.bridge.SendNotice(ctx, roomID, ctxErr.UserMessage)
		return nerr
	}
	return err
}

// HandleLeave reacts to a user leaving a room. Once only the bot remains,
// the room's links and feed subscriptions are torn down and the bot leaves.
func (r *RoomTypeRouter) HandleLeave(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	if userID == r.bridge.BotUserID() {
		return nil
	}
	members, err := r.bridge.JoinedMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if len(members) > 1 {
		return nil
	}

	links, err := r.store.GetRoomLinks(ctx, roomID)
	if err != nil {
		return err
	}
	for _, link := range links {
		switch link.Type {
		case RoomTypeTimeline:
			r.scheduler.RemoveTimeline(link.RemoteID, roomID)
		case RoomTypeHashtag:
			r.scheduler.RemoveHashtag(link.RemoteID, roomID)
		}
	}
	if err := r.store.DeleteRoomLinksForRoom(ctx, roomID); err != nil {
		return err
	}
	r.log.Info().Str("room_id", string(roomID)).Msg("Unlinked abandoned room")
	return r.bridge.LeaveRoom(ctx, roomID)
}

// parseAlias extracts the feed reference from a provisioning alias
// localpart. Supported forms are twitter_@screenname and twitter_#hashtag.
func parseAlias(alias id.RoomAlias) (roomType, remote string, err error) {
	localpart := string(alias)
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	localpart = strings.TrimPrefix(localpart, "#")
	if !strings.HasPrefix(localpart, aliasPrefix) {
		return "", "", &ValidationError{Field: "alias", Value: string(alias), Reason: "not a bridge alias"}
	}
	ref := localpart[len(aliasPrefix):]
	switch {
	case strings.HasPrefix(ref, "@"):
		name := ref[1:]
		if !validScreenName(name) {
			return "", "", &ValidationError{Field: "alias", Value: string(alias), Reason: "invalid screen name"}
		}
		return RoomTypeTimeline, name, nil
	case strings.HasPrefix(ref, "#"):
		tag := normalizeHashtag(ref)
		if !validHashtag(tag) {
			return "", "", &ValidationError{Field: "alias", Value: string(alias), Reason: "invalid hashtag"}
		}
		return RoomTypeHashtag, tag, nil
	default:
		return "", "", &ValidationError{Field: "alias", Value: string(alias), Reason: "expected @name or #tag after prefix"}
	}
}

// HandleRoomAlias links a freshly created aliased room to the feed its
// alias names and registers the feed with the scheduler.
func (r *RoomTypeRouter) HandleRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	roomType, remote, err := parseAlias(alias)
	if err != nil {
		return err
	}
	switch roomType {
	case RoomTypeTimeline:
		client, err := r.clients.AppClient(ctx)
		if err != nil {
			return err
		}
		user, err := client.UserByScreenName(ctx, remote)
		if err != nil {
			return classifyRemoteError(err)
		}
		err = r.store.PutRoomLink(ctx, &storage.RoomLink{
			RoomID:   roomID,
			Type:     RoomTypeTimeline,
			RemoteID: user.ID,
		})
		if err != nil {
			return err
		}
		_, err = r.scheduler.AddTimeline(user.ID, roomID, false)
		return err
	case RoomTypeHashtag:
		err = r.store.PutRoomLink(ctx, &storage.RoomLink{
			RoomID:   roomID,
			Type:     RoomTypeHashtag,
			RemoteID: remote,
		})
		if err != nil {
			return err
		}
		_, err = r.scheduler.AddHashtag(remote, roomID, false)
		return err
	}
	return nil
}

// handleCommand runs a service-room command and replies with a notice.
func (r *RoomTypeRouter) handleCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) error {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil
	}
	reply := func(text string) error {
		_, err := r.bridge.SendNotice(ctx, roomID, text)
		return err
	}

	switch strings.ToLower(fields[0]) {
	case "help":
		return reply("Commands:\n" +
			"account <twitter_id> <access_token> <read|write|dm> - link your Twitter account\n" +
			"unlink-account - remove your Twitter account link\n" +
			"timeline <add|remove> <room_id> <twitter_id>\n" +
			"hashtag <add|remove> <room_id> <tag>")
	case "account":
		if len(fields) != 4 {
			return reply("Usage: account <twitter_id> <access_token> <read|write|dm>")
		}
		return r.cmdLinkAccount(ctx, sender, fields[1], fields[2], fields[3], reply)
	case "unlink-account":
		if err := r.store.DeleteAccount(ctx, sender); err != nil {
			return reply("Failed to remove account link: " + err.Error())
		}
		r.clients.Invalidate(sender)
		return reply("Account link removed.")
	case "timeline":
		if len(fields) != 4 {
			return reply("Usage: timeline <add|remove> <room_id> <twitter_id>")
		}
		return r.cmdFeed(ctx, RoomTypeTimeline, fields[1], fields[2], fields[3], reply)
	case "hashtag":
		if len(fields) != 4 {
			return reply("Usage: hashtag <add|remove> <room_id> <tag>")
		}
		return r.cmdFeed(ctx, RoomTypeHashtag, fields[1], fields[2], normalizeHashtag(fields[3]), reply)
	default:
		return reply("Unknown command. Say \"help\" for the list.")
	}
}

func (r *RoomTypeRouter) cmdLinkAccount(ctx context.Context, sender id.UserID, twitterID, token, access string, reply func(string) error) error {
	accessType := storage.AccessType(access)
	switch accessType {
	case storage.AccessRead, storage.AccessWrite, storage.AccessDM:
	default:
		return reply("Access type must be read, write or dm.")
	}
	if !validTwitterID(twitterID) {
		return reply("The Twitter id must be numeric.")
	}
	err := r.store.PutAccount(ctx, &storage.Account{
		UserMXID:    sender,
		TwitterID:   twitterID,
		AccessToken: token,
		AccessType:  accessType,
	})
	if err != nil {
		return reply("Failed to store account: " + err.Error())
	}
	r.clients.Invalidate(sender)
	if _, _, err := r.clients.UserClient(ctx, sender); err != nil {
		return reply("Stored, but the credentials failed verification: " + err.Error())
	}
	return reply("Account linked and verified.")
}

func (r *RoomTypeRouter) cmdFeed(ctx context.Context, roomType, action, room, remote string, reply func(string) error) error {
	roomID := id.RoomID(room)
	switch action {
	case "add":
		var added bool
		var err error
		if roomType == RoomTypeTimeline {
			added, err = r.scheduler.AddTimeline(remote, roomID, false)
		} else {
			added, err = r.scheduler.AddHashtag(remote, roomID, false)
		}
		if err != nil {
			return reply("Cannot add feed: " + err.Error())
		}
		if !added {
			return reply("That feed kind is disabled in the bridge configuration.")
		}
		err = r.store.PutRoomLink(ctx, &storage.RoomLink{
			RoomID:   roomID,
			Type:     roomType,
			RemoteID: remote,
		})
		if err != nil {
			return reply("Feed registered but persisting the link failed: " + err.Error())
		}
		return reply("Feed added.")
	case "remove":
		var removed bool
		if roomType == RoomTypeTimeline {
			removed = r.scheduler.RemoveTimeline(remote, roomID)
		} else {
			removed = r.scheduler.RemoveHashtag(remote, roomID)
		}
		if err := r.store.DeleteRoomLink(ctx, roomID, roomType, remote); err != nil {
			return reply("Failed to remove link: " + err.Error())
		}
		if !removed {
			return reply("No such feed subscription was active, removed any stored link.")
		}
		return reply("Feed removed.")
	default:
		return reply("Action must be add or remove.")
	}
}
