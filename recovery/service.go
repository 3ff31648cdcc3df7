package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/skylantix/dash/customer"
	"github.com/skylantix/dash/product"
	resp "github.com/skylantix/dash/response"
	"github.com/skylantix/dash/subscription"
	"github.com/skylantix/dash/task"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	Manager       *Manager
	Customers     *customer.Manager
	Subscriptions *subscription.Manager
	Products      *product.Manager
	Dispatcher    *task.Dispatcher
	Redis         *redis.Client
	SuccessURL    string
	CancelURL     string
	Logger        *zap.Logger
}

// Service is the public account recovery surface. Responses never reveal
// whether an email belongs to a customer.
type Service struct {
	ServiceOptions
	validator *validator.Validate
}

// NewService returns the recovery service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Products == nil {
		return nil, fmt.Errorf("nil Products is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if len(option.SuccessURL) == 0 {
		return nil, fmt.Errorf("empty SuccessURL is invalid")
	}
	if len(option.CancelURL) == 0 {
		return nil, fmt.Errorf("empty CancelURL is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validator:      validator.New(),
	}, nil
}

type requestCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Service) requestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid email address"))
		return
	}

	// the cooldown applies regardless of account existence, otherwise
	// the 429 itself would leak which emails have accounts
	set, err := s.Redis.SetNX("recovery_cooldown:"+req.Email, 1, ResendCooldown).Result()
	if err != nil {
		s.Logger.Error("Redis returned error",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if !set {
		resp.WriteError(w, r, resp.ErrTooManyRequests().AddMessages("A code was sent recently, please wait before requesting another"))
		return
	}

	cust, err := s.Customers.GetByEmail(r.Context(), req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if cust != nil {
		code, err := s.Manager.IssueCode(r.Context(), cust.ID)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
		if err := s.Dispatcher.Submit(r.Context(), task.TaskSendRecoveryCode, task.RecoveryCodePayload{
			Email: cust.Email,
			Code:  code,
		}); err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
	}

	resp.WriteResponse(w, r, "If the email belongs to an account, a recovery code has been sent")
}

type verifyCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

func (s *Service) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid email or code format"))
		return
	}

	cust, err := s.Customers.GetByEmail(r.Context(), req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if cust == nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Incorrect recovery code"))
		return
	}

	switch err := s.Manager.Verify(r.Context(), cust.ID, req.Code); {
	case errors.Is(err, ErrCodeMismatch):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Incorrect recovery code"))
	case errors.Is(err, ErrCodeExpired):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("The recovery code has expired, please request a new one"))
	case err != nil:
		resp.WriteError(w, r, resp.ErrUnexpected())
	default:
		resp.WriteResponse(w, r, "Recovery code verified")
	}
}

type checkoutRequest struct {
	Email    string   `json:"email" validate:"required,email"`
	PriceIDs []string `json:"priceIds" validate:"required,min=1"`
}

func (s *Service) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid request"))
		return
	}

	cust, err := s.Customers.GetByEmail(r.Context(), req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if cust == nil {
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Recovery has not been verified"))
		return
	}

	open, err := s.Manager.InWindow(r.Context(), cust.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if !open {
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Recovery has not been verified"))
		return
	}

	if err := s.Products.ValidatePrices(req.PriceIDs); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown price selection"))
		return
	}

	session, err := s.Subscriptions.CreateCheckoutSession(r.Context(), subscription.CheckoutOptions{
		Email:    cust.Email,
		PriceIDs: req.PriceIDs,
		Metadata: map[string]string{
			"first_name": cust.FirstName,
			"last_name":  cust.LastName,
		},
		SuccessURL: s.SuccessURL,
		CancelURL:  s.CancelURL,
	})
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, map[string]string{
		"sessionId": session.ID,
	})
}

// Router will return the routes under recovery
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/send-code", s.requestCode)
	r.Post("/verify-code", s.verifyCode)
	r.Post("/checkout-session", s.createCheckout)
	return r
}
