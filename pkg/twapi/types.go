// Copyright 2024-2026 Aiku AI

package twapi

import (
	"encoding/json"
	"time"
)

// createdAtLayout is the timestamp format used by the Twitter REST API.
const createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// User represents a Twitter account profile.
type User struct {
	ID              string `json:"id_str"`
	ScreenName      string `json:"screen_name"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url_https"`
	Protected       bool   `json:"protected"`
}

// HashtagEntity is a hashtag reference inside a tweet.
type HashtagEntity struct {
	Text string `json:"text"`
}

// MentionEntity is a user mention inside a tweet.
type MentionEntity struct {
	ID         string `json:"id_str"`
	ScreenName string `json:"screen_name"`
}

// URLEntity is a shortened link inside a tweet.
type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
}

// MediaEntity is an attached media item. Only Type "photo" is bridged.
// URL is the shortened link embedded in the tweet text, MediaURL the
// direct download location.
type MediaEntity struct {
	ID       string `json:"id_str"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	MediaURL string `json:"media_url_https"`
}

// Entities groups the structured references of a tweet.
type Entities struct {
	Hashtags     []HashtagEntity `json:"hashtags"`
	UserMentions []MentionEntity `json:"user_mentions"`
	URLs         []URLEntity     `json:"urls"`
	Media        []MediaEntity   `json:"media"`
}

// Tweet is a single status as returned by the REST and streaming APIs.
type Tweet struct {
	ID                string    `json:"id_str"`
	Text              string    `json:"text"`
	FullText          string    `json:"full_text"`
	CreatedAt         string    `json:"created_at"`
	User              *User     `json:"user"`
	InReplyToStatusID string    `json:"in_reply_to_status_id_str"`
	Entities          Entities  `json:"entities"`
	ExtendedEntities  *Entities `json:"extended_entities"`
}

// Body returns the tweet text, preferring the extended form when present.
func (t *Tweet) Body() string {
	if t.FullText != "" {
		return t.FullText
	}
	return t.Text
}

// Timestamp parses the tweet's creation time. A zero time is returned for
// unparseable values so callers can fall back to their own clock.
func (t *Tweet) Timestamp() time.Time {
	ts, err := time.Parse(createdAtLayout, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// AllMedia returns every media attachment of the tweet, preferring extended
// entities which carry the full media list.
func (t *Tweet) AllMedia() []MediaEntity {
	if t.ExtendedEntities != nil && len(t.ExtendedEntities.Media) > 0 {
		return t.ExtendedEntities.Media
	}
	return t.Entities.Media
}

// Photos returns the photo attachments of the tweet, preferring extended
// entities which carry the full media list.
func (t *Tweet) Photos() []MediaEntity {
	var photos []MediaEntity
	for _, m := range t.AllMedia() {
		if m.Type == "photo" {
			photos = append(photos, m)
		}
	}
	return photos
}

// DirectMessage is a private message between two accounts.
type DirectMessage struct {
	ID          string `json:"id_str"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at"`
	Sender      *User  `json:"sender"`
	SenderID    string `json:"sender_id_str"`
	RecipientID string `json:"recipient_id_str"`
}

// StreamEventKind discriminates the variants of a StreamEvent.
type StreamEventKind int

const (
	StreamOther StreamEventKind = iota
	StreamTweet
	StreamDirectMessage
	StreamWarning
	StreamDisconnect
)

// DisconnectCodeDuplicateStream is sent by the platform when too many
// streams are opened with the same credentials.
const DisconnectCodeDuplicateStream = 7

// StreamWarningPayload is a non-fatal notice on a streaming connection.
type StreamWarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamDisconnectPayload is an authoritative disconnect notice.
type StreamDisconnectPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// StreamEvent is the tagged union of events a user stream can yield. Exactly
// one of the pointer fields matching Kind is non-nil; everything else the
// stream produces is passed through as StreamOther with the raw payload.
type StreamEvent struct {
	Kind          StreamEventKind
	Tweet         *Tweet
	DirectMessage *DirectMessage
	Warning       *StreamWarningPayload
	Disconnect    *StreamDisconnectPayload
	Raw           json.RawMessage
}
