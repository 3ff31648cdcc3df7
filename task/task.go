package task

import (
	"time"
)

// Named tasks executed by the worker pool
const (
	TaskProvisionAccount  string = "provision_account"
	TaskSyncEntitlements         = "sync_entitlements"
	TaskDisableAccount           = "disable_account"
	TaskEnableAccount            = "enable_account"
	TaskNotifyEmail              = "notify_email"
	TaskSendPasswordReset        = "send_password_reset"
	TaskSendRecoveryCode         = "send_recovery_code"
)

// Retry policy: an envelope is executed once and retried up to MaxRetries
// times, with exponential backoff starting at BaseDelay and doubling each
// retry. After the last retry fails the task is recorded as permanently
// failed and never re-executed.
const (
	MaxRetries = 3
	BaseDelay  = 30 * time.Second
)

// Backoff returns the delay before the given retry (1-indexed):
// 30s, 60s, 120s.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return BaseDelay << uint(retry-1)
}

// AccountPayload references a customer profile by id
type AccountPayload struct {
	CustomerID string `json:"customerId"`
}

// Email templates for NotifyEmail
const (
	TemplateSubscriptionCanceled string = "subscription_canceled"
	TemplatePaymentFailed               = "payment_failed"
)

// EmailPayload describes a templated notification email
type EmailPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	Template  string `json:"template"`
}

// RecoveryCodePayload carries a freshly issued recovery code to the mailer
type RecoveryCodePayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// FailedTask records a task that exhausted its retries. Never silently
// dropped: rows are surfaced on the operator API and logged at error level.
type FailedTask struct {
	ID        string    `json:"id" gorm:"primaryKey"` // the envelope's TaskID
	Name      string    `json:"name" gorm:"index"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	CreatedAt time.Time `json:"createdAt"`
}
