package instance

import (
	"errors"
	"time"
)

// ErrCapacityExhausted is returned when no instance of a product has a
// free seat under its allocation cap. The caller should retry later and
// alert an operator.
var ErrCapacityExhausted = errors.New("no instance has available capacity")

// Instance is one deployed server of a product with bounded seats.
// Caps are advisory tiers: soft_cap flags pressure, allocation_cap stops
// automatic placement, hard_cap is the absolute limit never exceeded.
// allocated_seats is mutated only under a row lock.
type Instance struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ProductID      string    `json:"productId" gorm:"index"`
	Name           string    `json:"name"`
	BaseURL        string    `json:"baseUrl"`
	GroupName      string    `json:"groupName"` // identity provider group granting access
	SoftCap        int64     `json:"softCap"`
	AllocationCap  int64     `json:"allocationCap"`
	HardCap        int64     `json:"hardCap"`
	AllocatedSeats int64     `json:"allocatedSeats"`
	IsActive       bool      `json:"isActive"`
	AutoAllocate   bool      `json:"autoAllocate"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Available reports whether the instance accepts automatic placement
func (i *Instance) Available() bool {
	return i.IsActive && i.AutoAllocate && i.AllocatedSeats < i.AllocationCap
}

// Assignment records a customer's seat on an instance. At most one
// assignment exists per (customer, product) pair.
type Assignment struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CustomerID string    `json:"customerId" gorm:"uniqueIndex:idx_customer_product"`
	ProductID  string    `json:"productId" gorm:"uniqueIndex:idx_customer_product"`
	InstanceID uint      `json:"instanceId" gorm:"index"`
	CreatedAt  time.Time `json:"createdAt"`
}
