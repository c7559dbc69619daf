// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI implements API on top of a mautrix client.
type MatrixAPI struct {
	client *mautrix.Client
}

var _ API = (*MatrixAPI)(nil)

// NewMatrixAPI connects to the homeserver as the bridge bot.
func NewMatrixAPI(homeserverURL string, userID id.UserID, accessToken string) (*MatrixAPI, error) {
	client, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixAPI{client: client}, nil
}

func (m *MatrixAPI) BotUserID() id.UserID {
	return m.client.UserID
}

func (m *MatrixAPI) OnEvent(handler EventHandler) {
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		syncer = mautrix.NewDefaultSyncer()
		m.client.Syncer = syncer
	}
	syncer.OnEvent(mautrix.EventHandler(handler))
}

func (m *MatrixAPI) Sync(ctx context.Context) error {
	return m.client.SyncWithContext(ctx)
}

func (m *MatrixAPI) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{
		TransactionID: "mxtw-" + uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (m *MatrixAPI) SendNotice(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	return m.SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	})
}

func (m *MatrixAPI) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := m.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

func (m *MatrixAPI) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", roomID, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (m *MatrixAPI) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

func (m *MatrixAPI) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

func (m *MatrixAPI) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.client.LeaveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}
	return nil
}

func (m *MatrixAPI) CreateRoom(ctx context.Context, name string, invite []id.UserID, isDirect bool) (id.RoomID, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:     name,
		Preset:   "private_chat",
		Invite:   invite,
		IsDirect: isDirect,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}
