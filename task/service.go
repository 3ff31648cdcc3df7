package task

import (
	"fmt"
	"net/http"
	"strconv"

	resp "github.com/skylantix/dash/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for the operator Service
type ServiceOptions struct {
	Manager *Manager
	Logger  *zap.Logger
}

// Service exposes the permanently-failed task ledger to operators
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the operator task router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) listFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	failed, err := s.Manager.ListFailed(ctx, limit)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list failed tasks"))
		return
	}

	resp.WriteResponse(w, r, failed)
}

// Router will return the routes under the operator task API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/failed", s.listFailed)

	return r
}
