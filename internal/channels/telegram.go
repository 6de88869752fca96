package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	telegramAPIBase      = "https://api.telegram.org"
	telegramPollTimeout  = 50 // seconds, long poll
	telegramMaxBodyBytes = 2 << 20
)

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// TelegramBot long-polls the Bot API and sends each turn bubble back as a
// separate reply.
type TelegramBot struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	offset  int64
	cancel  context.CancelFunc
}

func NewTelegramBot(token string, logger *slog.Logger) *TelegramBot {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramBot{
		token:   strings.TrimSpace(token),
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: (telegramPollTimeout + 10) * time.Second},
		logger:  logger,
	}
}

func (b *TelegramBot) Name() string { return ChannelTelegram }

func (b *TelegramBot) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start validates the token with getMe, then launches the poll loop.
func (b *TelegramBot) Start(ctx context.Context, handler Handler) error {
	if b == nil || b.token == "" {
		return errors.New("missing telegram bot token")
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if _, err := b.call(ctx, "getMe", nil); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	go b.pollLoop(loopCtx, handler)
	return nil
}

// Stop ends the poll loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *TelegramBot) pollLoop(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram poll failed", "error", err)
			time.Sleep(3 * time.Second)
			continue
		}
		for _, u := range updates {
			b.mu.Lock()
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			b.mu.Unlock()

			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}
			chatID := u.Message.Chat.ID
			replyTo := u.Message.MessageID

			bubbles, err := handler(ctx, Inbound{
				Channel:        ChannelTelegram,
				ExternalChatID: strconv.FormatInt(chatID, 10),
				Text:           u.Message.Text,
			})
			if err != nil {
				b.logger.Error("telegram turn failed", "chat_id", chatID, "error", err)
				_ = b.sendMessage(ctx, chatID, "Something went wrong handling that message.", replyTo)
				continue
			}
			for _, bubble := range bubbles {
				if err := b.sendMessage(ctx, chatID, bubble, replyTo); err != nil {
					b.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
				}
			}
		}
	}
}

func (b *TelegramBot) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	b.mu.Lock()
	offset := b.offset
	b.mu.Unlock()

	params := url.Values{}
	params.Set("timeout", strconv.Itoa(telegramPollTimeout))
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	raw, err := b.call(ctx, "getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []telegramUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("invalid getUpdates result: %w", err)
	}
	return updates, nil
}

func (b *TelegramBot) sendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo > 0 {
		payload["reply_to_message_id"] = replyTo
	}
	_, err := b.call(ctx, "sendMessage", payload)
	return err
}

// call does one Bot API request. A nil payload issues a GET.
func (b *TelegramBot) call(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)

	var req *http.Request
	var err error
	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	} else {
		var body []byte
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxBodyBytes))
	if err != nil {
		return nil, err
	}

	var decoded telegramResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("invalid telegram response (status %d)", resp.StatusCode)
	}
	if !decoded.OK {
		msg := strings.TrimSpace(decoded.Description)
		if msg == "" {
			msg = fmt.Sprintf("telegram call failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}
	return decoded.Result, nil
}
