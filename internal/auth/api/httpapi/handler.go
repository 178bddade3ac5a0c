// Package httpapi exposes the authentication service over HTTP JSON.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/foliohq/folio/internal/auth/service"
	"github.com/foliohq/folio/internal/auth/storage"
	"github.com/foliohq/folio/internal/auth/user"
	apperrors "github.com/foliohq/folio/internal/platform/errors"
)

// ErrUnauthenticated rejects requests without a usable session.
var ErrUnauthenticated = apperrors.New(apperrors.CodeUnauthenticated, "authentication required")

// Handler serves the auth HTTP surface.
type Handler struct {
	auth    *service.Service
	cookies CookieConfig
	limiter *ipLimiter
}

// NewHandler builds the HTTP handler over the auth orchestrator.
func NewHandler(auth *service.Service, cookies CookieConfig, rateLimit RateLimitConfig) *Handler {
	return &Handler{
		auth:    auth,
		cookies: cookies,
		limiter: newIPLimiter(rateLimit),
	}
}

// Routes registers every auth endpoint on a fresh mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/register", h.limit(h.handleRegister))
	mux.HandleFunc("/login", h.limit(h.handleLogin))
	mux.HandleFunc("/login/check-status", h.limit(h.handleCheckStatus))
	mux.HandleFunc("/logout", h.handleLogout)
	mux.HandleFunc("/me", h.handleMe)

	mux.HandleFunc("/two-factor", h.handleTwoFactorStatus)
	mux.HandleFunc("/two-factor/verify", h.limit(h.handleTwoFactorVerify))
	mux.HandleFunc("/two-factor/enable", h.handleTwoFactorEnable)
	mux.HandleFunc("/two-factor/confirm", h.handleTwoFactorConfirm)
	mux.HandleFunc("/two-factor/disable", h.handleTwoFactorDisable)
	mux.HandleFunc("/two-factor/recovery-codes", h.handleRecoveryCodes)
	mux.HandleFunc("/two-factor/secret-key", h.handleTwoFactorSecret)
	mux.HandleFunc("/two-factor/qr", h.handleTwoFactorQR)

	mux.HandleFunc("/passkeys", h.handlePasskeyList)
	mux.HandleFunc("/passkeys/register/begin", h.handlePasskeyRegisterBegin)
	mux.HandleFunc("/passkeys/register/finish", h.handlePasskeyRegisterFinish)
	mux.HandleFunc("/passkeys/login/begin", h.limit(h.handlePasskeyLoginBegin))
	mux.HandleFunc("/passkeys/login/finish", h.limit(h.handlePasskeyLoginFinish))
	mux.HandleFunc("/passkeys/rename", h.handlePasskeyRename)
	mux.HandleFunc("/passkeys/delete", h.handlePasskeyDelete)

	mux.HandleFunc("/account/confirm-password", h.handleConfirmPassword)
	mux.HandleFunc("/account/confirmed-password-status", h.handleConfirmedPasswordStatus)

	return traceRequests(mux)
}

// traceRequests opens one span per request. Tracing stays a no-op unless
// the OTLP exporter is configured at startup.
func traceRequests(next http.Handler) http.Handler {
	tracer := otel.Tracer("folio/httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account, err := h.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": userPayload(account)})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	flow, err := h.auth.Sessions().EnsureFlow(r.Context(), cookieValue(r, flowCookieName))
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.auth.Login(r.Context(), flow, req.Email, req.Password, req.Remember)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.TwoFactorRequired {
		h.setCookie(w, flowCookieName, result.Flow.ID, 30*time.Minute)
		writeJSON(w, http.StatusOK, map[string]any{"two_factor_required": true})
		return
	}
	h.finishLogin(w, result)
}

type checkStatusRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req checkStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	status, err := h.auth.CheckStatus(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_exists":           status.UserExists,
		"requires_verification": status.RequiresVerification,
		"has_passkeys":          status.HasPasskeys,
		"passkey_count":         status.PasskeyCount,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := h.auth.Logout(r.Context(), cookieValue(r, sessionCookieName), cookieValue(r, flowCookieName))
	if err != nil {
		writeError(w, err)
		return
	}
	h.clearCookie(w, sessionCookieName)
	h.clearCookie(w, flowCookieName)
	h.clearCookie(w, rememberCookieName)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	account, err := h.auth.CurrentUser(r.Context(), cookieValue(r, sessionCookieName))
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(account)})
		return
	}
	if apperrors.GetCode(err) != apperrors.CodeSessionExpired {
		writeError(w, err)
		return
	}

	// Session gone; fall back to the remember token when present.
	token := cookieValue(r, rememberCookieName)
	if token == "" {
		writeError(w, err)
		return
	}
	flow, flowErr := h.auth.Sessions().EnsureFlow(r.Context(), cookieValue(r, flowCookieName))
	if flowErr != nil {
		writeError(w, flowErr)
		return
	}
	result, loginErr := h.auth.RememberLogin(r.Context(), flow, token)
	if loginErr != nil {
		h.clearCookie(w, rememberCookieName)
		writeError(w, err)
		return
	}
	h.setCookie(w, sessionCookieName, result.Session.ID, time.Until(result.Session.ExpiresAt))
	writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(result.User)})
}

func (h *Handler) handleTwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(account.TwoFactorStatus()),
	})
}

type twoFactorVerifyRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req twoFactorVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	flow, err := h.auth.Sessions().EnsureFlow(r.Context(), cookieValue(r, flowCookieName))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.auth.CompleteTwoFactorLogin(r.Context(), flow, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	h.finishLogin(w, result)
}

func (h *Handler) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	enrollment, err := h.auth.EnableTwoFactor(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":         enrollment.Secret,
		"recovery_codes": enrollment.RecoveryCodes,
		"otpauth_url":    enrollment.OTPAuthURL,
	})
}

func (h *Handler) handleTwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	var req twoFactorVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.ConfirmTwoFactor(r.Context(), account, req.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	account, flow, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	if err := h.auth.DisableTwoFactor(r.Context(), flow, account); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, flow, ok := h.requireUser(w, r, http.MethodGet)
		if !ok {
			return
		}
		if err := h.auth.Sessions().RequireFreshConfirmation(flow); err != nil {
			writeError(w, err)
			return
		}
		codes, err := h.auth.TOTP().RecoveryCodes(account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})

	case http.MethodPost:
		account, flow, ok := h.requireUser(w, r, http.MethodPost)
		if !ok {
			return
		}
		codes, err := h.auth.RegenerateRecoveryCodes(r.Context(), flow, account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleTwoFactorSecret(w http.ResponseWriter, r *http.Request) {
	account, flow, ok := h.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	if err := h.auth.Sessions().RequireFreshConfirmation(flow); err != nil {
		writeError(w, err)
		return
	}
	secret, err := h.auth.TOTP().Secret(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":      secret,
		"otpauth_url": h.auth.TOTP().KeyURL(account.Email, secret),
	})
}

func (h *Handler) handleTwoFactorQR(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	secret, err := h.auth.TOTP().Secret(account)
	if err != nil {
		writeError(w, err)
		return
	}
	image, err := h.auth.TOTP().QRCodePNG(account.Email, secret, 200)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

func (h *Handler) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	credentials, err := h.auth.Passkeys().List(r.Context(), account.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(credentials))
	for _, credential := range credentials {
		entry := map[string]any{
			"credential_id": credential.CredentialID,
			"name":          credential.Name,
			"created_at":    credential.CreatedAt.Format(time.RFC3339),
		}
		if credential.LastUsedAt != nil {
			entry["last_used_at"] = credential.LastUsedAt.Format(time.RFC3339)
		}
		payload = append(payload, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": payload})
}

func (h *Handler) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	challenge, err := h.auth.Passkeys().BeginRegistration(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": challenge.SessionID,
		"options":    json.RawMessage(challenge.OptionsJSON),
	})
}

type passkeyFinishRequest struct {
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Response  json.RawMessage `json:"response"`
	Remember  bool            `json:"remember"`
}

func (h *Handler) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	var req passkeyFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	credential, err := h.auth.Passkeys().FinishRegistration(r.Context(), req.SessionID, req.Name, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"credential_id": credential.CredentialID,
		"name":          credential.Name,
	})
}

type passkeyLoginBeginRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req passkeyLoginBeginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	challenge, err := h.auth.PasskeyLoginBegin(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": challenge.SessionID,
		"options":    json.RawMessage(challenge.OptionsJSON),
	})
}

func (h *Handler) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req passkeyFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	flow, err := h.auth.Sessions().EnsureFlow(r.Context(), cookieValue(r, flowCookieName))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.auth.PasskeyLogin(r.Context(), flow, req.SessionID, req.Response, req.Remember)
	if err != nil {
		writeError(w, err)
		return
	}
	h.finishLogin(w, result)
}

type passkeyRenameRequest struct {
	CredentialID string `json:"credential_id"`
	Name         string `json:"name"`
}

func (h *Handler) handlePasskeyRename(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	var req passkeyRenameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.Passkeys().Rename(r.Context(), account.ID, req.CredentialID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passkeyDeleteRequest struct {
	CredentialID string `json:"credential_id"`
}

func (h *Handler) handlePasskeyDelete(w http.ResponseWriter, r *http.Request) {
	account, flow, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	if err := h.auth.Sessions().RequireFreshConfirmation(flow); err != nil {
		writeError(w, err)
		return
	}
	var req passkeyDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.Passkeys().Delete(r.Context(), account.ID, req.CredentialID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmPasswordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleConfirmPassword(w http.ResponseWriter, r *http.Request) {
	account, flow, ok := h.requireUser(w, r, http.MethodPost)
	if !ok {
		return
	}
	var req confirmPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	flow, err := h.auth.ConfirmPassword(r.Context(), flow, account, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	h.setCookie(w, flowCookieName, flow.ID, 30*time.Minute)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConfirmedPasswordStatus(w http.ResponseWriter, r *http.Request) {
	_, flow, ok := h.requireUser(w, r, http.MethodGet)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmed": h.auth.Sessions().PasswordConfirmationFresh(flow),
	})
}

// requireUser resolves the session cookie into a user and loads the flow
// state used for confirmation-window checks.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request, method string) (user.User, storage.FlowState, bool) {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return user.User{}, storage.FlowState{}, false
	}
	account, err := h.auth.CurrentUser(r.Context(), cookieValue(r, sessionCookieName))
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeSessionExpired {
			writeError(w, ErrUnauthenticated)
		} else {
			writeError(w, err)
		}
		return user.User{}, storage.FlowState{}, false
	}
	flow, err := h.auth.Sessions().EnsureFlow(r.Context(), cookieValue(r, flowCookieName))
	if err != nil {
		writeError(w, err)
		return user.User{}, storage.FlowState{}, false
	}
	return account, flow, true
}

// finishLogin sets the session cookies for a completed login.
func (h *Handler) finishLogin(w http.ResponseWriter, result service.LoginResult) {
	h.setCookie(w, sessionCookieName, result.Session.ID, time.Until(result.Session.ExpiresAt))
	if result.RememberToken != "" {
		h.setCookie(w, rememberCookieName, result.RememberToken, 720*time.Hour)
	}
	if result.Flow.ID != "" {
		h.setCookie(w, flowCookieName, result.Flow.ID, 30*time.Minute)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(result.User)})
}

func userPayload(account user.User) map[string]any {
	payload := map[string]any{
		"id":                 account.ID,
		"email":              account.Email,
		"two_factor_enabled": account.HasTwoFactorEnabled(),
		"created_at":         account.CreatedAt.Format(time.RFC3339),
	}
	if account.EmailVerifiedAt != nil {
		payload["email_verified_at"] = account.EmailVerifiedAt.Format(time.RFC3339)
	}
	return payload
}
