// Package platform talks to the chat platform's Bot API.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

// TelegramOptions configure the Bot API client.
type TelegramOptions struct {
	BotToken   string
	APIBase    string
	RatePerSec float64
	Timeout    time.Duration
}

// TelegramLookup resolves usernames through getChatMember. Calls share one
// rate limiter so a recompute over many participants stays within Bot API limits.
type TelegramLookup struct {
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

var _ service.UsernameLookup = (*TelegramLookup)(nil)

func NewTelegramLookup(opts TelegramOptions) *TelegramLookup {
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &TelegramLookup{
		base:    base,
		token:   opts.BotToken,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type chatMemberResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Status string `json:"status"`
		User   struct {
			ID       int64  `json:"id"`
			IsBot    bool   `json:"is_bot"`
			Username string `json:"username"`
		} `json:"user"`
	} `json:"result"`
}

// LookupUsername returns the normalized username of a chat member, or "" when
// the member has none.
func (t *TelegramLookup) LookupUsername(ctx context.Context, chatID, platformUserID int64) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	q.Set("user_id", strconv.FormatInt(platformUserID, 10))
	endpoint := fmt.Sprintf("%s/bot%s/getChatMember?%s", t.base, t.token, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		// The error text carries the URL and with it the bot token.
		return "", errors.New("telegram getChatMember: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("telegram getChatMember: read body: %w", err)
	}
	var out chatMemberResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("telegram getChatMember: status %d: %w", resp.StatusCode, err)
	}
	if !out.OK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("telegram getChatMember: %s: %w", out.Description, domain.ErrNotFound)
		}
		return "", fmt.Errorf("telegram getChatMember: status %d: %s", resp.StatusCode, out.Description)
	}
	return domain.NormalizeUsername(out.Result.User.Username), nil
}
