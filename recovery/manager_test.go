package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time {
	return f.current
}

func (f *fakeClock) advance(d time.Duration) {
	f.current = f.current.Add(d)
}

func testRecoveryManager(t *testing.T) (*Manager, *fakeClock) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	clock := &fakeClock{current: time.Date(2021, 3, 14, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(ManagerOptions{
		DB:     db,
		Logger: zap.NewNop(),
		Now:    clock.now,
	})
	require.NoError(t, err)
	return m, clock
}

func TestRecoveryHappyPath(t *testing.T) {
	m, clock := testRecoveryManager(t)
	ctx := context.Background()

	code, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, m.Verify(ctx, "cus_1", code))

	open, err := m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.True(t, open)

	clock.advance(WindowTTL - time.Second)
	open, err = m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.True(t, open)

	clock.advance(time.Second)
	open, err = m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, open)
}

func TestRecoveryCodeMismatch(t *testing.T) {
	m, _ := testRecoveryManager(t)
	ctx := context.Background()

	code, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	require.ErrorIs(t, m.Verify(ctx, "cus_1", wrong), ErrCodeMismatch)

	// still verifiable with the correct code afterwards
	require.NoError(t, m.Verify(ctx, "cus_1", code))
}

func TestRecoveryCodeExpiry(t *testing.T) {
	m, clock := testRecoveryManager(t)
	ctx := context.Background()

	code, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	clock.advance(CodeTTL - time.Second)
	require.NoError(t, m.Verify(ctx, "cus_1", code))

	open, err := m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.True(t, open)
}

func TestRecoveryCodeExpiresExactlyAtDeadline(t *testing.T) {
	m, clock := testRecoveryManager(t)
	ctx := context.Background()

	code, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	clock.advance(CodeTTL)
	require.ErrorIs(t, m.Verify(ctx, "cus_1", code), ErrCodeExpired)

	open, err := m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, open)
}

func TestWrongCodeAfterExpiryReportsExpired(t *testing.T) {
	m, clock := testRecoveryManager(t)
	ctx := context.Background()

	code, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	clock.advance(CodeTTL)
	require.ErrorIs(t, m.Verify(ctx, "cus_1", wrong), ErrCodeExpired)
	require.ErrorIs(t, m.Verify(ctx, "cus_1", code), ErrCodeExpired)
}

func TestReissueInvalidatesPriorCode(t *testing.T) {
	m, _ := testRecoveryManager(t)
	ctx := context.Background()

	first, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)
	second, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	if first != second {
		require.ErrorIs(t, m.Verify(ctx, "cus_1", first), ErrCodeMismatch)
	}
	require.NoError(t, m.Verify(ctx, "cus_1", second))
}

func TestRecoveryWindowRequiresVerification(t *testing.T) {
	m, _ := testRecoveryManager(t)
	ctx := context.Background()

	_, err := m.IssueCode(ctx, "cus_1")
	require.NoError(t, err)

	open, err := m.InWindow(ctx, "cus_1")
	require.NoError(t, err)
	require.False(t, open)

	open, err = m.InWindow(ctx, "cus_unknown")
	require.NoError(t, err)
	require.False(t, open)
}
