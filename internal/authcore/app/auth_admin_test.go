package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renov-easy/auth-core/internal/domain"
)

func TestStatusPhone_ReportsLockAndLimits(t *testing.T) {
	h := newTestHarness(t)
	hash := phoneHashOf(testPhone)
	h.rateLimiter.deny("sms:phone:" + hash)
	h.rateLimiter.deny("failed_attempts:phone:" + hash)
	require.NoError(t, h.rateLimiter.SetLockout(context.Background(), "account_lock:phone:"+hash, domain.AccountLockDuration))

	status, err := h.svc.StatusPhone(context.Background(), testPhone)
	require.NoError(t, err)

	assert.Equal(t, testPhone, status.Identifier)
	assert.True(t, status.IsLocked)
	assert.Equal(t, domain.AccountLockDuration, status.LockTTL)
	assert.Equal(t, 1, status.FailedAttempts)
	assert.Equal(t, domain.FailedAttemptsThreshold, status.Threshold)

	require.Len(t, status.Limits, 2)
	assert.Equal(t, "sms", status.Limits[0].Type)
	assert.Equal(t, 1, status.Limits[0].Current)
	assert.Equal(t, domain.SMSPerPhoneLimit, status.Limits[0].Limit)
	assert.Equal(t, "verify", status.Limits[1].Type)
	assert.Equal(t, 0, status.Limits[1].Current)
	assert.Equal(t, domain.VerifyPhoneLimit, status.Limits[1].Limit)
}

func TestStatusPhone_UnlockedReportsZeroTTL(t *testing.T) {
	h := newTestHarness(t)

	status, err := h.svc.StatusPhone(context.Background(), testPhone)
	require.NoError(t, err)

	assert.False(t, status.IsLocked)
	assert.Zero(t, status.LockTTL)
	assert.Zero(t, status.FailedAttempts)
}

func TestStatusPhone_InvalidPhoneRejected(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.svc.StatusPhone(context.Background(), "not-a-phone")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
}

func TestStatusIP_ReportsLockAndLimits(t *testing.T) {
	h := newTestHarness(t)
	const ip = "203.0.113.9"
	h.rateLimiter.deny("verify:ip:" + ip)
	require.NoError(t, h.rateLimiter.SetLockout(context.Background(), "account_lock:ip:"+ip, domain.AccountLockDuration))

	status, err := h.svc.StatusIP(context.Background(), ip)
	require.NoError(t, err)

	assert.Equal(t, ip, status.Identifier)
	assert.True(t, status.IsLocked)
	assert.Equal(t, domain.AccountLockDuration, status.LockTTL)
	require.Len(t, status.Limits, 1)
	assert.Equal(t, "verification", status.Limits[0].Type)
	assert.Equal(t, 1, status.Limits[0].Current)
	assert.Equal(t, domain.VerifyIPLimit, status.Limits[0].Limit)
}

func TestResetPhone_ClearsAllTrackedKeys(t *testing.T) {
	h := newTestHarness(t)
	hash := phoneHashOf(testPhone)
	require.NoError(t, h.rateLimiter.SetLockout(context.Background(), "account_lock:phone:"+hash, domain.AccountLockDuration))

	err := h.svc.ResetPhone(context.Background(), testPhone)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"sms:phone:" + hash,
		"verify_attempts:" + hash,
		"failed_attempts:phone:" + hash,
		"account_lock:phone:" + hash,
	}, h.rateLimiter.resets)

	locked, err := h.rateLimiter.CheckLockout(context.Background(), "account_lock:phone:"+hash)
	require.NoError(t, err)
	assert.False(t, locked, "reset must clear the lock it just reported")
}

func TestResetIP_ClearsAllTrackedKeys(t *testing.T) {
	h := newTestHarness(t)
	const ip = "203.0.113.9"
	require.NoError(t, h.rateLimiter.SetLockout(context.Background(), "account_lock:ip:"+ip, domain.AccountLockDuration))

	err := h.svc.ResetIP(context.Background(), ip)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"verify:ip:" + ip,
		"failed_attempts:ip:" + ip,
		"account_lock:ip:" + ip,
	}, h.rateLimiter.resets)
}
