// Copyright 2024-2026 Aiku AI

// Package bridge defines the narrow chat-runtime surface the connector
// consumes, plus a concrete adapter over a mautrix client. Components take
// the API interface so tests can inject mocks.
package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventHandler receives one inbound Matrix event from the sync loop.
type EventHandler func(ctx context.Context, evt *event.Event)

// API is the chat-bridge runtime as seen by the connector: room membership,
// sending, media upload, room lifecycle and the inbound event feed. All
// methods except OnEvent are suspension points and honor context
// cancellation.
type API interface {
	// BotUserID is the bridge's own sender identity.
	BotUserID() id.UserID

	// OnEvent registers a handler for inbound Matrix events. Handlers must
	// be registered before Sync starts.
	OnEvent(handler EventHandler)

	// Sync runs the Matrix event loop, invoking registered handlers, until
	// the context is cancelled.
	Sync(ctx context.Context) error

	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)

	// UploadMedia stores media on the homeserver and returns its content URI.
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)

	// JoinedMembers returns the users currently joined to a room, bridge bot
	// included.
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)

	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error

	// CreateRoom makes a new private room with the given name and invitees.
	CreateRoom(ctx context.Context, name string, invite []id.UserID, isDirect bool) (id.RoomID, error)
}
