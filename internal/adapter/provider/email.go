package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/sync/singleflight"

	"butlerd/internal/domain"
	"butlerd/internal/infra/config"
)

// EmailProvider sends mail over SMTP. The MIME document is built with
// go-message so headers and encodings stay RFC-compliant. Concurrent sends to
// the same (target, subject, body) collapse into one SMTP transaction via
// singleflight; the engine's idempotency key makes that collapse safe.
type EmailProvider struct {
	host     string
	port     int
	from     string
	username string
	password string
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	// sendMail is swapped in tests to avoid a live SMTP dial.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailProvider creates the provider.
func NewEmailProvider(cfg config.EmailConfig, logger *slog.Logger) *EmailProvider {
	return &EmailProvider{
		host:     cfg.Host,
		port:     cfg.Port,
		from:     cfg.From,
		username: cfg.Username,
		password: cfg.Password,
		logger:   logger,
		now:      time.Now,
		sendMail: smtp.SendMail,
	}
}

func (p *EmailProvider) Channel() string { return domain.ChannelEmail }

// Send delivers one message to the address in target. Reply targets may carry
// a thread suffix ("user@host:thread-id"); the thread id becomes In-Reply-To.
func (p *EmailProvider) Send(ctx context.Context, target, subject, message string, metadata map[string]string) (*domain.ProviderResult, error) {
	const op = "EmailProvider.Send"
	address, threadID := splitEmailTarget(target)

	key := strings.Join([]string{address, subject, message}, "\x00")
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.send(ctx, address, threadID, subject, message, metadata)
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return v.(*domain.ProviderResult), nil
}

func (p *EmailProvider) send(_ context.Context, address, threadID, subject, message string, metadata map[string]string) (*domain.ProviderResult, error) {
	messageID := fmt.Sprintf("%s@%s", domain.NewRowID(), p.host)

	var h mail.Header
	h.SetDate(p.now())
	h.SetAddressList("From", []*mail.Address{{Address: p.from}})
	h.SetAddressList("To", []*mail.Address{{Address: address}})
	h.SetSubject(subject)
	h.SetMessageID(messageID)
	if threadID != "" {
		h.SetMsgIDList("In-Reply-To", []string{threadID})
	} else if v := metadata["in_reply_to"]; v != "" {
		h.SetMsgIDList("In-Reply-To", []string{v})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(w, message); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	w.Close()
	tw.Close()
	mw.Close()

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}
	if err := p.sendMail(addr, auth, p.from, []string{address}, buf.Bytes()); err != nil {
		if isSMTPPermanent(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderRejected, err)
		}
		return nil, fmt.Errorf("%w: smtp: %v", domain.ErrUnavailable, err)
	}
	return &domain.ProviderResult{ProviderDeliveryID: messageID}, nil
}

// splitEmailTarget separates an optional thread suffix from the address. The
// "@" check keeps colons inside bare thread ids from being misread.
func splitEmailTarget(target string) (address, threadID string) {
	i := strings.LastIndex(target, ":")
	if i < 0 || !strings.Contains(target[:i], "@") {
		return target, ""
	}
	return target[:i], target[i+1:]
}

// isSMTPPermanent reports a 5xx SMTP reply, which no retry will fix.
func isSMTPPermanent(err error) bool {
	msg := err.Error()
	return len(msg) >= 3 && msg[0] == '5' && msg[1] >= '0' && msg[1] <= '9' && msg[2] >= '0' && msg[2] <= '9'
}
