package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

const (
	postmarkEndpoint = "https://api.postmarkapp.com/email"
	// postmarkStream is the transactional stream; broadcast streams need consent.
	postmarkStream = "outbound"
	// postmarkInactiveRecipient is returned for bounced or unsubscribed addresses.
	postmarkInactiveRecipient = 406
)

// Kind names the billing notice an email carries. It becomes the Postmark tag.
type Kind string

const (
	KindTrialEnding Kind = "trial-ending"
)

// Sender delivers rendered billing emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered billing email.
type Message struct {
	Kind    Kind
	UserID  string
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// DeliveryError is a rejected delivery. Temporary errors are worth retrying.
type DeliveryError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("postmark error (HTTP %d): code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether the provider may accept the same message later.
func (e *DeliveryError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// InactiveRecipient reports whether the address bounced or unsubscribed.
func (e *DeliveryError) InactiveRecipient() bool {
	return e.Code == postmarkInactiveRecipient
}

// IsTemporary reports whether err is worth retrying. Transport failures are.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary()
	}
	return err != nil
}

// PostmarkSender delivers billing emails on Postmark's transactional stream.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	httpClient  *http.Client
}

// NewPostmarkSender creates a Postmark sender using a DNS-caching client.
func NewPostmarkSender(serverToken string) *PostmarkSender {
	return &PostmarkSender{
		serverToken: serverToken,
		endpoint:    postmarkEndpoint,
		httpClient:  newHTTPClient(),
	}
}

type postmarkEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	MessageStream string            `json:"MessageStream"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

type postmarkReply struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

func newPostmarkEmail(msg Message) postmarkEmail {
	email := postmarkEmail{
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		Tag:           string(msg.Kind),
		MessageStream: postmarkStream,
	}
	if msg.UserID != "" {
		email.Metadata = map[string]string{"user_id": msg.UserID}
	}
	return email
}

// Send posts msg to Postmark. A 200 reply with a non-zero ErrorCode is still
// a failure.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(newPostmarkEmail(msg))
	if err != nil {
		return fmt.Errorf("marshal postmark email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	var reply postmarkReply
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&reply)
	if resp.StatusCode != http.StatusOK || reply.ErrorCode != 0 {
		return &DeliveryError{StatusCode: resp.StatusCode, Code: reply.ErrorCode, Message: reply.Message}
	}
	log.Debug().Str("kind", string(msg.Kind)).Str("user_id", msg.UserID).Str("message_id", reply.MessageID).Msg("Billing email accepted by Postmark")
	return nil
}

// LogSender logs billing emails instead of sending them.
type LogSender struct{}

// Send logs msg.
func (LogSender) Send(_ context.Context, msg Message) error {
	log.Info().
		Str("kind", string(msg.Kind)).
		Str("user_id", msg.UserID).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Billing email not sent (no provider configured)")
	return nil
}
