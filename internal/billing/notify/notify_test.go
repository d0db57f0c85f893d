package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestPostmarkSender_Send(t *testing.T) {
	var got postmarkEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Postmark-Server-Token") != "test-token" {
			t.Errorf("missing server token header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ErrorCode":0,"Message":"OK"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender("test-token")
	sender.endpoint = srv.URL
	err := sender.Send(context.Background(), Message{
		Kind:    KindTrialEnding,
		UserID:  "user-7",
		From:    "billing@example.com",
		To:      "user@example.com",
		Subject: "Hi",
		Text:    "Hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.To != "user@example.com" || got.TextBody != "Hello" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if got.Tag != "trial-ending" || got.MessageStream != "outbound" {
		t.Fatalf("tag/stream = %q/%q, want trial-ending/outbound", got.Tag, got.MessageStream)
	}
	if got.Metadata["user_id"] != "user-7" {
		t.Fatalf("metadata = %v, want user_id=user-7", got.Metadata)
	}
}

func TestPostmarkSender_ErrorCodeOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ErrorCode":406,"Message":"Inactive recipient"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender("test-token")
	sender.endpoint = srv.URL
	err := sender.Send(context.Background(), Message{To: "gone@example.com"})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if !de.InactiveRecipient() || de.Temporary() {
		t.Fatalf("inactive=%v temporary=%v, want true/false", de.InactiveRecipient(), de.Temporary())
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("connection reset"), true},
		{"rate-limited", &DeliveryError{StatusCode: http.StatusTooManyRequests}, true},
		{"server", &DeliveryError{StatusCode: http.StatusBadGateway}, true},
		{"invalid-request", &DeliveryError{StatusCode: http.StatusUnprocessableEntity, Code: 300}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.err); got != tt.want {
				t.Fatalf("IsTemporary = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostmarkSender_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
	}))
	defer srv.Close()

	sender := NewPostmarkSender("test-token")
	sender.endpoint = srv.URL
	err := sender.Send(context.Background(), Message{To: "bad"})
	if err == nil || !strings.Contains(err.Error(), "code=300") {
		t.Fatalf("expected postmark error, got %v", err)
	}
}

func TestRenderTrialEndingEmail(t *testing.T) {
	html, text, err := RenderTrialEndingEmail(TrialEndingData{
		PlanName:    "Pro",
		TrialEndsAt: time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC),
		ManageURL:   "https://billing.example.com/portal",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Pro trial ends November 3, 2026", "https://billing.example.com/portal"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if !strings.Contains(text, "November 3, 2026") {
		t.Errorf("text missing date: %q", text)
	}
}

func TestEmailNotifierSendsInBackground(t *testing.T) {
	sender := &recordingSender{}
	n := NewEmailNotifier(sender, "billing@example.com", "")

	n.TrialEnding(TrialNotice{UserID: "user-1", Email: "user@example.com", PlanName: "Pro", TrialEndsAt: time.Now().Add(72 * time.Hour)})
	n.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.msgs))
	}
	if sender.msgs[0].From != "billing@example.com" || sender.msgs[0].To != "user@example.com" {
		t.Fatalf("unexpected message %+v", sender.msgs[0])
	}
}

func TestEmailNotifierSwallowsFailures(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	n := NewEmailNotifier(sender, "billing@example.com", "")
	n.retryDelay = time.Millisecond

	n.TrialEnding(TrialNotice{UserID: "user-1", Email: "user@example.com"})
	n.Wait()

	n.TrialEnding(TrialNotice{UserID: "user-2"})
	n.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != sendAttempts {
		t.Fatalf("expected %d attempts for the notice with an email, got %d", sendAttempts, len(sender.msgs))
	}
	if sender.msgs[0].Kind != KindTrialEnding || sender.msgs[0].UserID != "user-1" {
		t.Fatalf("unexpected message %+v", sender.msgs[0])
	}
}

func TestEmailNotifierRetriesOnlyTemporaryFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
		result   string
	}{
		{"invalid-request", &DeliveryError{StatusCode: http.StatusUnprocessableEntity, Code: 300}, 1, "failed"},
		{"inactive-recipient", &DeliveryError{StatusCode: http.StatusUnprocessableEntity, Code: 406}, 1, "inactive_recipient"},
		{"server-error", &DeliveryError{StatusCode: http.StatusServiceUnavailable}, sendAttempts, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := bmetrics.NotificationsTotal.WithLabelValues(string(KindTrialEnding), tt.result)
			before := testutil.ToFloat64(counter)

			sender := &recordingSender{err: tt.err}
			n := NewEmailNotifier(sender, "billing@example.com", "")
			n.retryDelay = time.Millisecond
			n.TrialEnding(TrialNotice{UserID: "user-1", Email: "user@example.com"})
			n.Wait()

			sender.mu.Lock()
			defer sender.mu.Unlock()
			if len(sender.msgs) != tt.attempts {
				t.Fatalf("attempts = %d, want %d", len(sender.msgs), tt.attempts)
			}
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Fatalf("notifications_total{result=%q} delta = %v, want 1", tt.result, got)
			}
		})
	}
}

func TestLogSender_Send(t *testing.T) {
	if err := (LogSender{}).Send(context.Background(), Message{To: "a@example.com", Subject: "s"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
