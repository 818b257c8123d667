package domain

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const contentKeyTextRunes = 50

// MessageDedupKey is the dedup key for events carrying a platform-native message id.
func MessageDedupKey(messageID int64) string {
	return "msg:" + strconv.FormatInt(messageID, 10)
}

// ContentDedupKey derives a key for sources without native message ids
// (file exports): timestamp, sender, event type and the first runes of text.
func ContentDedupKey(createdAt time.Time, sender string, eventType EventType, text string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(strconv.FormatInt(createdAt.UTC().UnixMilli(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(sender))))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(Truncate(text, contentKeyTextRunes)))
	return "cnt:" + hex.EncodeToString(h.Sum(nil))
}

// SenderRef picks the most specific sender reference available for content keys.
func SenderRef(platformUserID *int64, s Sender) string {
	if platformUserID != nil {
		return strconv.FormatInt(*platformUserID, 10)
	}
	if s.Username != "" {
		return "@" + s.Username
	}
	return s.Name
}

// AssignDedupKey sets e.DedupKey from its message id or, failing that, its content.
func AssignDedupKey(e *ActivityEvent, text string) {
	if e.MessageID != nil {
		e.DedupKey = MessageDedupKey(*e.MessageID)
		return
	}
	common := CommonOf(e.Meta)
	if text == "" {
		text = common.TextPreview
	}
	e.DedupKey = ContentDedupKey(e.CreatedAt, SenderRef(e.PlatformUserID, common.Sender), e.EventType, text)
}
