package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
)

const (
	sendTimeout  = 15 * time.Second
	sendAttempts = 3
)

// TrialNotice is the intent to tell a user their trial is ending.
type TrialNotice struct {
	UserID      string
	Email       string
	PlanName    string
	TrialEndsAt time.Time
}

// Notifier accepts notification intents. Implementations must not block the caller.
type Notifier interface {
	TrialEnding(notice TrialNotice)
}

// EmailNotifier renders notices and sends them in the background.
type EmailNotifier struct {
	sender     Sender
	from       string
	manageURL  string
	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(sender Sender, from, manageURL string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, manageURL: manageURL, retryDelay: 2 * time.Second}
}

// TrialEnding queues a trial-ending email and returns immediately. Delivery
// failures are logged and dropped.
func (n *EmailNotifier) TrialEnding(notice TrialNotice) {
	if notice.Email == "" {
		log.Info().Str("user_id", notice.UserID).Msg("Trial ending notice skipped: no email on file")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("user_id", notice.UserID).Msg("Trial ending notice panicked")
			}
		}()

		html, text, err := RenderTrialEndingEmail(TrialEndingData{
			PlanName:    notice.PlanName,
			TrialEndsAt: notice.TrialEndsAt,
			ManageURL:   n.manageURL,
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", notice.UserID).Msg("Failed to render trial ending email")
			return
		}

		n.deliver(Message{
			Kind:    KindTrialEnding,
			UserID:  notice.UserID,
			From:    n.from,
			To:      notice.Email,
			Subject: "Your trial is ending soon",
			HTML:    html,
			Text:    text,
		})
	}()
}

// deliver sends msg, retrying temporary failures with a linear backoff.
func (n *EmailNotifier) deliver(msg Message) {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = n.sender.Send(ctx, msg)
		cancel()
		if err == nil || !IsTemporary(err) {
			break
		}
		if attempt < sendAttempts {
			time.Sleep(time.Duration(attempt) * n.retryDelay)
		}
	}

	var de *DeliveryError
	switch {
	case err == nil:
		bmetrics.NotificationsTotal.WithLabelValues(string(msg.Kind), "sent").Inc()
		log.Info().Str("kind", string(msg.Kind)).Str("user_id", msg.UserID).Msg("Billing email sent")
	case errors.As(err, &de) && de.InactiveRecipient():
		bmetrics.NotificationsTotal.WithLabelValues(string(msg.Kind), "inactive_recipient").Inc()
		log.Info().Str("kind", string(msg.Kind)).Str("user_id", msg.UserID).Msg("Billing email skipped: recipient inactive")
	default:
		bmetrics.NotificationsTotal.WithLabelValues(string(msg.Kind), "failed").Inc()
		log.Warn().Err(err).Str("kind", string(msg.Kind)).Str("user_id", msg.UserID).Msg("Failed to send billing email")
	}
}

// Wait blocks until queued notices finish. Called on shutdown.
func (n *EmailNotifier) Wait() {
	n.wg.Wait()
}
