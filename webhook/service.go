package webhook

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"

	resp "github.com/skylantix/dash/response"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// stripe guarantees event payloads stay under this size
const maxBodyBytes = int64(65536)

// EventProcessor applies a verified billing event
type EventProcessor interface {
	Process(ctx context.Context, event stripe.Event) error
}

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	Processor     EventProcessor
	WebhookSecret string
	Logger        *zap.Logger
}

// Service is the webhook ingress. It verifies the sender's signature,
// hands the event to the Processor, and maps the result onto status
// codes the sender understands: 2xx acknowledges, 4xx rejects, 5xx asks
// for redelivery.
type Service struct {
	ServiceOptions
}

// NewService returns the webhook ingress service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest())
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		s.Logger.Warn("Event signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}

	if err := s.Processor.Process(r.Context(), event); err != nil {
		// nothing committed, the sender will redeliver
		resp.WriteError(w, r, resp.ErrRetryable())
		return
	}

	resp.WriteResponse(w, r, "ok")
}

// Router will return the routes under webhook
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handleEvent)
	return r
}
