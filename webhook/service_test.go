package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

type stubProcessor struct {
	events []stripe.Event
	err    error
}

func (s *stubProcessor) Process(ctx context.Context, event stripe.Event) error {
	s.events = append(s.events, event)
	return s.err
}

func signPayload(secret string, payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func testService(t *testing.T, processor EventProcessor) *Service {
	s, err := NewService(ServiceOptions{
		Processor:     processor,
		WebhookSecret: "whsec_test",
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

const eventJSON = `{"id":"evt_1","type":"customer.subscription.updated","created":1600000000,"data":{"object":{"id":"sub_1"}}}`

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	processor := &stubProcessor{}
	s := testService(t, processor)

	payload := []byte(eventJSON)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload("whsec_test", payload, time.Now()))
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.events, 1)
	require.Equal(t, "evt_1", processor.events[0].ID)
	require.Equal(t, "customer.subscription.updated", processor.events[0].Type)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	processor := &stubProcessor{}
	s := testService(t, processor)

	payload := []byte(eventJSON)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload("whsec_wrong", payload, time.Now()))
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, processor.events)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	processor := &stubProcessor{}
	s := testService(t, processor)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(eventJSON)))
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, processor.events)
}

func TestWebhookAsksForRedeliveryOnProcessorError(t *testing.T) {
	processor := &stubProcessor{err: errors.New("database is down")}
	s := testService(t, processor)

	payload := []byte(eventJSON)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload("whsec_test", payload, time.Now()))
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
