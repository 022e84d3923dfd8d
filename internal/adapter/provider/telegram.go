package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"butlerd/internal/domain"
	"butlerd/internal/infra/config"
)

// Telegram breaker settings. The Bot API throttles around 30 messages per
// second globally; the limiter stays under that.
const (
	telegramMaxFailures uint32 = 5
	telegramCBTimeout          = 30 * time.Second
)

// TelegramProvider sends messages through the Telegram Bot API. A circuit
// breaker fails fast during outages and a rate limiter keeps the process
// under the Bot API global throttle.
type TelegramProvider struct {
	token   string
	apiBase string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*domain.ProviderResult]
	logger  *slog.Logger
}

// NewTelegramProvider creates the provider.
func NewTelegramProvider(cfg config.TelegramConfig, logger *slog.Logger) *TelegramProvider {
	p := &TelegramProvider{
		token:   cfg.Token,
		apiBase: cfg.APIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker[*domain.ProviderResult](gobreaker.Settings{
		Name:    "provider:telegram",
		Timeout: telegramCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= telegramMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

func (p *TelegramProvider) Channel() string { return domain.ChannelTelegram }

// Send delivers one message to the chat named by target. The target is the
// chat id as reported at ingest (endpoint identity without the channel
// prefix).
func (p *TelegramProvider) Send(ctx context.Context, target, subject, message string, metadata map[string]string) (*domain.ProviderResult, error) {
	const op = "TelegramProvider.Send"
	if subject != "" {
		message = subject + "\n\n" + message
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapOp(op, fmt.Errorf("%w: %v", domain.ErrUnavailable, err))
	}
	res, err := p.breaker.Execute(func() (*domain.ProviderResult, error) {
		return p.sendMessage(ctx, target, message, metadata)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.WrapOp(op, fmt.Errorf("%w: telegram circuit open", domain.ErrUnavailable))
		}
		return nil, domain.WrapOp(op, err)
	}
	return res, nil
}

type telegramSendRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	ReplyToMsgID    int64  `json:"reply_to_message_id,omitempty"`
}

type telegramSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (p *TelegramProvider) sendMessage(ctx context.Context, chatID, text string, metadata map[string]string) (*domain.ProviderResult, error) {
	sendReq := telegramSendRequest{ChatID: chatID, Text: text}
	if v := metadata["thread_id"]; v != "" {
		if tid, err := strconv.ParseInt(v, 10, 64); err == nil {
			sendReq.MessageThreadID = tid
		}
	}
	if v := metadata["reply_to_message_id"]; v != "" {
		if rid, err := strconv.ParseInt(v, 10, 64); err == nil {
			sendReq.ReplyToMsgID = rid
		}
	}

	payload, err := json.Marshal(sendReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", p.apiBase, p.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: telegram throttled", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: telegram API error %d", domain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrProviderRejected, resp.StatusCode, string(body))
	}

	var result telegramSendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderRejected, result.Description)
	}
	return &domain.ProviderResult{
		ProviderDeliveryID: strconv.FormatInt(result.Result.MessageID, 10),
	}, nil
}
