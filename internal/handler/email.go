package handler

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailDispatcher mails alert events to the rule's target address
type EmailDispatcher struct {
	logger   *zap.Logger
	config   SMTPConfig
	sendMail sendMailFunc
}

// NewEmailDispatcher creates a new email dispatcher
func NewEmailDispatcher(config SMTPConfig, logger *zap.Logger) *EmailDispatcher {
	return &EmailDispatcher{
		logger:   logger.Named("email-dispatcher"),
		config:   config,
		sendMail: smtp.SendMail,
	}
}

// Deliver implements Dispatcher. smtp.SendMail cannot be cancelled, so on
// timeout the send is abandoned and reported as failed.
func (h *EmailDispatcher) Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	if event.Target == "" || !strings.Contains(event.Target, "@") {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: invalid email target %q", ErrDispatchFailure, event.Target)
	}
	if h.config.Host == "" {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: smtp host not configured", ErrDispatchFailure)
	}

	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	msg := h.format(event)

	h.logger.Info("Sending alert email",
		zap.String("event_id", event.ID),
		zap.String("to", event.Target))

	done := make(chan error, 1)
	go func() {
		done <- h.sendMail(addr, auth, h.config.From, []string{event.Target}, msg)
	}()

	select {
	case <-ctx.Done():
		return model.DeliveryReceipt{}, fmt.Errorf("%w: %v", ErrDispatchFailure, ctx.Err())
	case err := <-done:
		if err != nil {
			return model.DeliveryReceipt{}, fmt.Errorf("%w: %v", ErrDispatchFailure, err)
		}
	}

	return model.DeliveryReceipt{
		EventID:     event.ID,
		Status:      model.DeliverySent,
		DeliveredAt: time.Now().UTC(),
	}, nil
}

func (h *EmailDispatcher) format(event model.AlertEvent) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", h.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", event.Target)
	fmt.Fprintf(&b, "Subject: Price alert for product %d\r\n", event.ProductID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", event.Message)
	fmt.Fprintf(&b, "Price: %s %s\r\n", event.Price.String(), event.Currency)
	fmt.Fprintf(&b, "Rule: %s (%s)\r\n", event.RuleID, event.RuleType)
	fmt.Fprintf(&b, "Triggered at: %s\r\n", event.TriggeredAt.Format(time.RFC3339))
	return []byte(b.String())
}
