package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MetaKind discriminates the per-source attribute variants of an event.
type MetaKind string

const (
	MetaKindMessage MetaKind = "message"
	MetaKindJoin    MetaKind = "join"
	MetaKindLeave   MetaKind = "leave"
)

// TextPreviewLimit is the number of runes kept in a text preview.
const TextPreviewLimit = 500

// Sender identifies who produced an event, as reported by the source.
type Sender struct {
	Name           string `json:"name,omitempty"`
	Username       string `json:"username,omitempty"`
	PlatformUserID *int64 `json:"platform_user_id,omitempty"`
}

// MetaCommon is the explicitly typed subset shared by every variant.
type MetaCommon struct {
	Sender      Sender `json:"sender"`
	TextPreview string `json:"text_preview,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Meta is the attribute bag of an ActivityEvent.
type Meta interface {
	Kind() MetaKind
	Common() MetaCommon
}

type MessageMeta struct {
	MetaCommon
	ThreadID     *int64 `json:"thread_id,omitempty"`
	CharCount    int    `json:"char_count"`
	LinkCount    int    `json:"link_count,omitempty"`
	MentionCount int    `json:"mention_count,omitempty"`
	HasMedia     bool   `json:"has_media,omitempty"`
}

func (m *MessageMeta) Kind() MetaKind     { return MetaKindMessage }
func (m *MessageMeta) Common() MetaCommon { return m.MetaCommon }

type JoinMeta struct {
	MetaCommon
	InvitedBy *int64 `json:"invited_by,omitempty"`
}

func (m *JoinMeta) Kind() MetaKind     { return MetaKindJoin }
func (m *JoinMeta) Common() MetaCommon { return m.MetaCommon }

type LeaveMeta struct {
	MetaCommon
	Removed bool `json:"removed,omitempty"`
}

func (m *LeaveMeta) Kind() MetaKind     { return MetaKindLeave }
func (m *LeaveMeta) Common() MetaCommon { return m.MetaCommon }

// CommonOf returns the common subset of m, or the zero value for a nil meta.
func CommonOf(m Meta) MetaCommon {
	if m == nil {
		return MetaCommon{}
	}
	return m.Common()
}

type metaEnvelope struct {
	Kind MetaKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMeta serializes m with its kind discriminator. A nil meta encodes to nil.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return json.Marshal(metaEnvelope{Kind: m.Kind(), Data: data})
}

// DecodeMeta is the inverse of EncodeMeta. Empty input decodes to nil.
func DecodeMeta(b []byte) (Meta, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env metaEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode meta envelope: %w", err)
	}
	var m Meta
	switch env.Kind {
	case MetaKindMessage:
		m = &MessageMeta{}
	case MetaKindJoin:
		m = &JoinMeta{}
	case MetaKindLeave:
		m = &LeaveMeta{}
	default:
		return nil, fmt.Errorf("decode meta: unknown kind %q", env.Kind)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, m); err != nil {
			return nil, fmt.Errorf("decode %s meta: %w", env.Kind, err)
		}
	}
	return m, nil
}

// RawEvent is the normalized inbound activity record supplied by upstream
// listeners and file parsers.
type RawEvent struct {
	EventType        EventType `json:"event_type" validate:"required,oneof=message join leave"`
	ChatID           int64     `json:"chat_id" validate:"required"`
	PlatformUserID   *int64    `json:"platform_user_id,omitempty"`
	MessageID        *int64    `json:"message_id,omitempty"`
	CreatedAt        string    `json:"created_at" validate:"required"`
	ReplyToMessageID *int64    `json:"reply_to_message_id,omitempty"`
	Meta             RawMeta   `json:"meta"`
	Text             string    `json:"text,omitempty"`
}

// RawMeta is the loosely shaped attribute bag as it arrives from sources.
type RawMeta struct {
	SenderName     string `json:"sender_name,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`
	TextPreview    string `json:"text_preview,omitempty"`
	Source         string `json:"source,omitempty"`
	ThreadID       *int64 `json:"thread_id,omitempty"`
	InvitedBy      *int64 `json:"invited_by,omitempty"`
	Removed        bool   `json:"removed,omitempty"`
	HasMedia       bool   `json:"has_media,omitempty"`
}

// Typed converts the raw bag into the variant matching the event type.
func (r RawMeta) Typed(t EventType, platformUserID *int64, text string) Meta {
	preview := r.TextPreview
	if preview == "" {
		preview = Truncate(text, TextPreviewLimit)
	}
	common := MetaCommon{
		Sender: Sender{
			Name:           strings.TrimSpace(r.SenderName),
			Username:       NormalizeUsername(r.SenderUsername),
			PlatformUserID: platformUserID,
		},
		TextPreview: preview,
		Source:      r.Source,
	}
	switch t {
	case EventJoin:
		return &JoinMeta{MetaCommon: common, InvitedBy: r.InvitedBy}
	case EventLeave:
		return &LeaveMeta{MetaCommon: common, Removed: r.Removed}
	default:
		return &MessageMeta{
			MetaCommon:   common,
			ThreadID:     r.ThreadID,
			CharCount:    utf8.RuneCountInString(text),
			LinkCount:    strings.Count(text, "http://") + strings.Count(text, "https://"),
			MentionCount: strings.Count(text, "@"),
			HasMedia:     r.HasMedia,
		}
	}
}

// NormalizeUsername lowercases and strips a leading '@'.
func NormalizeUsername(username string) string {
	u := strings.TrimSpace(username)
	u = strings.TrimPrefix(u, "@")
	return strings.ToLower(u)
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
