// Package port adapts the auth service onto the wire: JSON over HTTP,
// translating request bodies into app-layer calls and domain errors into
// errmap.HTTPError responses.
package port

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/renov-easy/auth-core/internal/authcore/app"
	"github.com/renov-easy/auth-core/internal/domain"
	"github.com/renov-easy/auth-core/internal/errmap"
)

// authService is a narrow, consumer-defined interface for the auth service
// operations the handler requires. The *app.AuthService satisfies this.
type authService interface {
	RequestOTP(ctx context.Context, phone, clientIP string) (*app.RequestOTPResult, error)
	VerifyOTP(ctx context.Context, phone, code, deviceFingerprint string) (*app.VerifyOTPResult, error)
	RefreshTokens(ctx context.Context, refreshToken, deviceFingerprint string) (*app.RefreshResult, error)
	Logout(ctx context.Context, accessToken, deviceFingerprint string) error
	SelectUserType(ctx context.Context, accessToken string, userType domain.UserType) (domain.User, error)
	StatusPhone(ctx context.Context, phone string) (domain.IdentifierStatus, error)
	StatusIP(ctx context.Context, ip string) (domain.IdentifierStatus, error)
	ResetPhone(ctx context.Context, phone string) error
	ResetIP(ctx context.Context, ip string) error
}

// AuthHandler exposes the five auth flows as JSON HTTP endpoints.
type AuthHandler struct {
	svc authService
}

// NewAuthHandler creates an AuthHandler backed by the given AuthService.
func NewAuthHandler(svc *app.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Register mounts the handler's routes onto mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/otp/request", h.RequestOTP)
	mux.HandleFunc("POST /v1/otp/verify", h.VerifyOTP)
	mux.HandleFunc("POST /v1/token/refresh", h.RefreshTokens)
	mux.HandleFunc("POST /v1/logout", h.Logout)
	mux.HandleFunc("POST /v1/user-type", h.SelectUserType)
	mux.HandleFunc("GET /v1/admin/rate-limit/phone/{phone}", h.StatusPhone)
	mux.HandleFunc("GET /v1/admin/rate-limit/ip/{ip}", h.StatusIP)
	mux.HandleFunc("POST /v1/admin/rate-limit/phone/{phone}/reset", h.ResetPhone)
	mux.HandleFunc("POST /v1/admin/rate-limit/ip/{ip}/reset", h.ResetIP)
}

type requestOTPBody struct {
	PhoneNumber string `json:"phone_number"`
}

type requestOTPResponse struct {
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	NextResendAt time.Time `json:"next_resend_at"`
}

// RequestOTP sends a one-time password to the given phone number.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if err := decodeJSON(r, &body); err != nil {
		writeHTTPError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		return
	}

	result, err := h.svc.RequestOTP(r.Context(), body.PhoneNumber, clientIPFromRequest(r))
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, requestOTPResponse{
		SessionID:    result.SessionID,
		ExpiresAt:    result.ExpiresAt,
		NextResendAt: result.NextResendAt,
	})
}

type verifyOTPBody struct {
	PhoneNumber       string `json:"phone_number"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type userResponse struct {
	UserID      string    `json:"user_id"`
	CountryCode string    `json:"country_code"`
	UserType    string    `json:"user_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsVerified  bool      `json:"is_verified"`
}

type verifyOTPResponse struct {
	User                 userResponse `json:"user"`
	AccessToken          string       `json:"access_token"`
	RefreshToken         string       `json:"refresh_token"`
	IsNewUser            bool         `json:"is_new_user"`
	AccessTokenExpiresAt time.Time    `json:"access_token_expires_at"`
}

// VerifyOTP verifies an OTP and returns authentication tokens.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPBody
	if err := decodeJSON(r, &body); err != nil {
		writeHTTPError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		return
	}

	ctx := app.WithClientIP(r.Context(), clientIPFromRequest(r))
	result, err := h.svc.VerifyOTP(ctx, body.PhoneNumber, body.Code, body.DeviceFingerprint)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyOTPResponse{
		User: userResponse{
			UserID:      result.User.ID.String(),
			CountryCode: string(result.User.CountryCode),
			UserType:    string(result.User.UserType),
			CreatedAt:   result.User.CreatedAt,
			IsVerified:  result.User.IsVerified,
		},
		AccessToken:          result.AccessToken,
		RefreshToken:         result.RefreshToken,
		IsNewUser:            result.IsNewUser,
		AccessTokenExpiresAt: result.AccessTokenExpiry,
	})
}

type refreshTokensBody struct {
	RefreshToken      string `json:"refresh_token"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type refreshTokensResponse struct {
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

// RefreshTokens exchanges a refresh token for new access and refresh tokens.
func (h *AuthHandler) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	var body refreshTokensBody
	if err := decodeJSON(r, &body); err != nil {
		writeHTTPError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		return
	}

	ctx := app.WithClientIP(r.Context(), clientIPFromRequest(r))
	result, err := h.svc.RefreshTokens(ctx, body.RefreshToken, body.DeviceFingerprint)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshTokensResponse{
		AccessToken:          result.AccessToken,
		RefreshToken:         result.RefreshToken,
		AccessTokenExpiresAt: result.AccessTokenExpiry,
	})
}

type logoutBody struct {
	DeviceFingerprint string `json:"device_fingerprint"`
}

// Logout revokes the current session: one device if a device fingerprint
// is given, every device otherwise.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutBody
	// Logout may be called with an empty body (logout-everywhere); a
	// malformed body is still an input error.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeHTTPError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
			return
		}
	}

	ctx := app.WithClientIP(r.Context(), clientIPFromRequest(r))
	accessToken := extractBearerToken(r)
	if err := h.svc.Logout(ctx, accessToken, body.DeviceFingerprint); err != nil {
		writeHTTPError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type selectUserTypeBody struct {
	UserType string `json:"user_type"`
}

// SelectUserType assigns the caller's role on first use. The caller's
// identity comes from the bearer token, never from the request body.
func (h *AuthHandler) SelectUserType(w http.ResponseWriter, r *http.Request) {
	var body selectUserTypeBody
	if err := decodeJSON(r, &body); err != nil {
		writeHTTPError(w, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		return
	}

	ctx := app.WithClientIP(r.Context(), clientIPFromRequest(r))
	accessToken := extractBearerToken(r)
	user, err := h.svc.SelectUserType(ctx, accessToken, domain.UserType(body.UserType))
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		UserID:      user.ID.String(),
		CountryCode: string(user.CountryCode),
		UserType:    string(user.UserType),
		CreatedAt:   user.CreatedAt,
		IsVerified:  user.IsVerified,
	})
}

type limitStatusResponse struct {
	Type    string `json:"type"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
	Window  string `json:"window"`
}

type identifierStatusResponse struct {
	Identifier     string                `json:"identifier"`
	IsLocked       bool                  `json:"is_locked"`
	LockTTL        string                `json:"lock_ttl,omitempty"`
	Limits         []limitStatusResponse `json:"limits"`
	FailedAttempts int                   `json:"failed_attempts"`
	Threshold      int                   `json:"threshold"`
}

func toIdentifierStatusResponse(status domain.IdentifierStatus) identifierStatusResponse {
	limits := make([]limitStatusResponse, len(status.Limits))
	for i, l := range status.Limits {
		limits[i] = limitStatusResponse{Type: l.Type, Current: l.Current, Limit: l.Limit, Window: l.Window.String()}
	}
	resp := identifierStatusResponse{
		Identifier:     status.Identifier,
		IsLocked:       status.IsLocked,
		Limits:         limits,
		FailedAttempts: status.FailedAttempts,
		Threshold:      status.Threshold,
	}
	if status.IsLocked {
		resp.LockTTL = status.LockTTL.String()
	}
	return resp
}

// StatusPhone reports the rate-limit/lock status of a phone number, for
// support tooling investigating a locked-out user.
func (h *AuthHandler) StatusPhone(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.StatusPhone(r.Context(), r.PathValue("phone"))
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentifierStatusResponse(status))
}

// StatusIP reports the rate-limit/lock status of a client IP.
func (h *AuthHandler) StatusIP(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.StatusIP(r.Context(), r.PathValue("ip"))
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentifierStatusResponse(status))
}

// ResetPhone clears every rate-limit/lock key tracked for a phone number.
func (h *AuthHandler) ResetPhone(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetPhone(r.Context(), r.PathValue("phone")); err != nil {
		writeHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetIP clears every rate-limit/lock key tracked for a client IP.
func (h *AuthHandler) ResetIP(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetIP(r.Context(), r.PathValue("ip")); err != nil {
		writeHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeHTTPError maps a domain error to an HTTPError and writes it as JSON.
func writeHTTPError(w http.ResponseWriter, err error) {
	httpErr := errmap.ToHTTPError(err)
	writeJSON(w, httpErr.StatusCode, httpErr)
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return header
}

// clientIPFromRequest extracts the client IP from the X-Forwarded-For
// header or falls back to the connection's remote address.
func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
