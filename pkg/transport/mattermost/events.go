// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

func (s *Session) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		msg, err := s.parsePostedEvent(evt)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to parse posted event")
			return
		}
		if msg != nil {
			s.emit(*msg)
		}
	case model.WebsocketEventReactionAdded, model.WebsocketEventReactionRemoved:
		reaction, err := s.parseReactionEvent(evt)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to parse reaction event")
			return
		}
		if reaction != nil {
			reaction.Removed = evt.EventType() == model.WebsocketEventReactionRemoved
			s.emit(*reaction)
		}
	}
}

// parsePostedEvent converts a posted event. Returns (nil, nil) to skip.
func (s *Session) parsePostedEvent(evt *model.WebSocketEvent) (*transport.Message, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, nil
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	if s.isBotSender(evt) {
		s.log.Debug().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Msg("Skipping bot post (echo prevention)")
		return nil, nil
	}

	msg := &transport.Message{
		ID:        post.Id,
		Chat:      post.ChannelId,
		Sender:    post.UserId,
		Text:      post.Message,
		QuotedID:  post.RootId,
		FromMe:    post.UserId == s.userID,
		Timestamp: time.UnixMilli(post.CreateAt),
	}
	// Only threads rooted in our own posts can correlate.
	if post.RootId != "" {
		msg.QuotedParticipant = s.userID
	}
	return msg, nil
}

// parseReactionEvent converts a reaction event. Returns (nil, nil) to skip.
func (s *Session) parseReactionEvent(evt *model.WebSocketEvent) (*transport.Reaction, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, nil
	}

	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}

	// Echo prevention: skip own reactions.
	if reaction.UserId == s.userID {
		return nil, nil
	}

	if s.isBotSender(evt) {
		s.log.Debug().
			Str("post_id", reaction.PostId).
			Str("user_id", reaction.UserId).
			Str("emoji", reaction.EmojiName).
			Msg("Skipping bot reaction (echo prevention)")
		return nil, nil
	}

	return &transport.Reaction{
		MessageID: reaction.PostId,
		Reactor:   reaction.UserId,
		Emoji:     reactionToEmoji(reaction.EmojiName),
		Timestamp: time.UnixMilli(reaction.CreateAt),
	}, nil
}

func (s *Session) isBotSender(evt *model.WebSocketEvent) bool {
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	return senderName != "" && isBotUsername(senderName, s.botPrefix)
}

func isBotUsername(username, botPrefix string) bool {
	return botPrefix != "" && strings.HasPrefix(username, botPrefix)
}

var emojiMap = map[string]string{
	"+1":                     "\U0001f44d",
	"-1":                     "\U0001f44e",
	"thumbsup":               "\U0001f44d",
	"thumbsdown":             "\U0001f44e",
	"heart":                  "\u2764\ufe0f",
	"white_check_mark":       "\u2705",
	"heavy_check_mark":       "\u2714\ufe0f",
	"x":                      "\u274c",
	"heavy_multiplication_x": "\u2716\ufe0f",
	"warning":                "\u26a0\ufe0f",
	"eyes":                   "\U0001f440",
	"pray":                   "\U0001f64f",
	"tada":                   "\U0001f389",
}

// reactionToEmoji converts a Mattermost emoji name to a Unicode emoji.
func reactionToEmoji(name string) string {
	if emoji, ok := emojiMap[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}
