// Copyright 2024-2026 Aiku AI

package connector

import (
	"regexp"
	"strings"
)

// Room type tags stored with a room link.
const (
	RoomTypeService      = "service"
	RoomTypeTimeline     = "timeline"
	RoomTypeHashtag      = "hashtag"
	RoomTypeDM           = "dm"
	RoomTypeUserTimeline = "user_timeline"
)

var (
	roomIDRe     = regexp.MustCompile(`^![^:]+:[^:]+$`)
	twitterIDRe  = regexp.MustCompile(`^[0-9]+$`)
	hashtagRe    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	screenNameRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
)

// timelineFeedKey is the cursor key for a user timeline feed.
func timelineFeedKey(userID string) string {
	return "timeline_" + userID
}

// hashtagFeedKey is the cursor key for a hashtag search feed.
func hashtagFeedKey(tag string) string {
	return "hashtag_" + tag
}

// dmPairKey builds a canonical key for a DM conversation between two
// accounts; the order of the arguments does not matter.
func dmPairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// dmPairOther returns the participant of a pair key that isn't self, or ""
// if self is not part of the pair.
func dmPairOther(pairKey, self string) string {
	left, right, ok := strings.Cut(pairKey, ":")
	if !ok {
		return ""
	}
	switch self {
	case left:
		return right
	case right:
		return left
	default:
		return ""
	}
}

// normalizeHashtag strips a leading '#' and lowercases the tag.
func normalizeHashtag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(tag, "#"))
}

func validRoomID(roomID string) bool {
	return roomIDRe.MatchString(roomID)
}

func validTwitterID(userID string) bool {
	return twitterIDRe.MatchString(userID)
}

func validHashtag(tag string) bool {
	return hashtagRe.MatchString(tag)
}

func validScreenName(name string) bool {
	return screenNameRe.MatchString(name)
}
