package instance

import (
	"fmt"
	"net/http"

	resp "github.com/skylantix/dash/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	Manager *Manager
	Logger  *zap.Logger
}

// Service is the operator-facing capacity surface
type Service struct {
	ServiceOptions
}

// NewService returns the operator instance service
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

// CapacityReport summarizes one instance's seat pressure
type CapacityReport struct {
	Instance
	RemainingSeats int64 `json:"remainingSeats"`
	OverSoftCap    bool  `json:"overSoftCap"`
}

func (s *Service) listCapacity(w http.ResponseWriter, r *http.Request) {
	instances, err := s.Manager.List(r.Context())
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	reports := make([]CapacityReport, 0, len(instances))
	for _, inst := range instances {
		remaining := inst.AllocationCap - inst.AllocatedSeats
		if remaining < 0 {
			remaining = 0
		}
		reports = append(reports, CapacityReport{
			Instance:       inst,
			RemainingSeats: remaining,
			OverSoftCap:    inst.AllocatedSeats >= inst.SoftCap,
		})
	}
	resp.WriteResponse(w, r, reports)
}

// Router will return the routes under instance
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/capacity", s.listCapacity)
	return r
}
