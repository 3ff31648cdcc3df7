package recovery

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger

	// Now overrides the clock, used in tests
	Now func() time.Time
}

// Manager handles the recovery attempt state machine
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for recovery attempts
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&Attempt{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize recovery.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot generate recovery code")
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IssueCode creates a new recovery attempt for the customer and returns
// the plaintext code exactly once. Outstanding unverified attempts are
// invalidated first.
func (m *Manager) IssueCode(ctx context.Context, customerID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	now := m.Now()

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&Attempt{}).
			Where("customer_id = ? AND verified_at IS NULL AND invalidated = ?", customerID, false).
			UpdateColumn("invalidated", true); result.Error != nil {
			return result.Error
		}
		return tx.Create(&Attempt{
			CustomerID: customerID,
			CodeHash:   hashCode(code),
			IssuedAt:   now,
			ExpiresAt:  now.Add(CodeTTL),
		}).Error
	})
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot issue recovery code")
	}

	m.Logger.Info("Recovery code issued",
		zap.String("CustomerID", customerID),
	)
	return code, nil
}

// Verify checks the presented code against the customer's outstanding
// attempt. On success the reactivation window opens. Past the expiry
// timestamp every code returns ErrCodeExpired, correct or not; before
// it, a code that does not match returns ErrCodeMismatch.
func (m *Manager) Verify(ctx context.Context, customerID, code string) error {
	now := m.Now()
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt Attempt
		result := tx.Where("customer_id = ? AND verified_at IS NULL AND invalidated = ?", customerID, false).
			Order("issued_at desc").
			First(&attempt)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrCodeMismatch
		}
		if result.Error != nil {
			return result.Error
		}

		// expiry first: a dead attempt reveals nothing about the code
		if !now.Before(attempt.ExpiresAt) {
			return ErrCodeExpired
		}
		if !hmac.Equal([]byte(hashCode(code)), []byte(attempt.CodeHash)) {
			return ErrCodeMismatch
		}

		windowExpiry := now.Add(WindowTTL)
		attempt.VerifiedAt = &now
		attempt.WindowExpiresAt = &windowExpiry
		if result := tx.Save(&attempt); result.Error != nil {
			return result.Error
		}

		m.Logger.Info("Recovery code verified",
			zap.String("CustomerID", customerID),
		)
		return nil
	})
}

// InWindow reports whether the customer holds an open reactivation window
func (m *Manager) InWindow(ctx context.Context, customerID string) (bool, error) {
	now := m.Now()
	var attempt Attempt
	result := m.DB.WithContext(ctx).
		Where("customer_id = ? AND verified_at IS NOT NULL AND invalidated = ?", customerID, false).
		Order("issued_at desc").
		First(&attempt)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot look up recovery attempt")
	}
	if attempt.WindowExpiresAt == nil {
		return false, nil
	}
	return now.Before(*attempt.WindowExpiresAt), nil
}
