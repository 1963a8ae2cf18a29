package agent

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsession/auth"
	"github.com/jmcleod/ironsession/gateway"
)

func (a *Agent) session() SessionResponse {
	st := a.keeper.Machine.State()
	return SessionResponse{
		State:         st,
		Authenticated: st.Authenticated(),
		Loading:       st.Loading(),
		Health:        a.keeper.Controller.Health(),
		Monitoring:    a.keeper.Controller.Running(),
	}
}

func (a *Agent) result(w http.ResponseWriter, ok bool) {
	writeJSON(w, http.StatusOK, ResultResponse{OK: ok, State: a.keeper.Machine.State()})
}

// GET /session
func (a *Agent) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session())
}

// POST /session/login
func (a *Agent) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(req.Email); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	if !a.keeper.Login(r.Context(), req.Email, req.Password) {
		a.rateLimiter.recordFailure(req.Email)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	a.rateLimiter.recordSuccess(req.Email)
	a.log.Info("signed in through agent", "role", a.keeper.Machine.State().Role())
	a.result(w, true)
}

// POST /session/logout
func (a *Agent) Logout(w http.ResponseWriter, r *http.Request) {
	a.keeper.Logout(r.Context())
	a.result(w, true)
}

// POST /session/check
func (a *Agent) Check(w http.ResponseWriter, r *http.Request) {
	a.result(w, a.keeper.Resume(r.Context()))
}

// POST /session/refresh
func (a *Agent) Refresh(w http.ResponseWriter, r *http.Request) {
	if !a.keeper.Machine.State().Authenticated() {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	a.result(w, a.keeper.Controller.ManualRefresh(r.Context()))
}

// POST /session/activity
func (a *Agent) Activity(w http.ResponseWriter, r *http.Request) {
	a.keeper.Controller.RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

// POST /session/verify-email
func (a *Agent) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !decode(w, r, &req) {
		return
	}
	if !a.keeper.Machine.VerifyEmail(r.Context(), req.Email, req.OTP) {
		writeError(w, http.StatusUnauthorized, "email verification failed")
		return
	}
	a.keeper.Controller.RecordActivity()
	a.result(w, true)
}

// POST /session/register
func (a *Agent) Register(w http.ResponseWriter, r *http.Request) {
	var req gateway.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	resp, ok := a.keeper.Machine.Register(r.Context(), req)
	if !ok {
		writeError(w, http.StatusBadRequest, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// POST /session/uid
func (a *Agent) LoginWithUID(w http.ResponseWriter, r *http.Request) {
	var req UIDLoginRequest
	if !decode(w, r, &req) {
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(req.UID); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	if !a.keeper.LoginWithUID(r.Context(), req.UID) {
		a.rateLimiter.recordFailure(req.UID)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	a.rateLimiter.recordSuccess(req.UID)
	a.result(w, true)
}

// POST /session/resend-otp
func (a *Agent) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendOTPRequest
	if !decode(w, r, &req) {
		return
	}
	if !a.keeper.Machine.ResendOTP(r.Context(), req.Email) {
		writeError(w, http.StatusBadGateway, "could not send verification code")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /session/forget-password
func (a *Agent) ForgetPassword(w http.ResponseWriter, r *http.Request) {
	var req gateway.ForgetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(req.Email); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	if !a.keeper.Machine.ForgetPassword(r.Context(), req) {
		a.rateLimiter.recordFailure(req.Email)
		writeError(w, http.StatusBadRequest, "password change failed")
		return
	}
	a.rateLimiter.recordSuccess(req.Email)
	w.WriteHeader(http.StatusNoContent)
}

// GET /notifications
func (a *Agent) ListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.keeper.Notifications.Active())
}

// DELETE /notifications/{id}
func (a *Agent) DismissNotification(w http.ResponseWriter, r *http.Request) {
	if !a.keeper.Notifications.Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /profile
func (a *Agent) Profile(w http.ResponseWriter, r *http.Request) {
	st := a.keeper.Machine.State()
	if st.User == nil {
		writeError(w, http.StatusNotFound, "no profile cached")
		return
	}
	writeJSON(w, http.StatusOK, st.User)
}

// GET /token
func (a *Agent) Token(w http.ResponseWriter, r *http.Request) {
	tok, err := a.keeper.Machine.AccessToken(r.Context())
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrRefreshTokenExpired), errors.Is(err, auth.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := TokenResponse{AccessToken: tok}
	if b, ok := a.keeper.Store.Load(); ok && b.AccessToken == tok {
		resp.ExpiresAt = b.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /notification-token
func (a *Agent) UpdateNotificationToken(w http.ResponseWriter, r *http.Request) {
	var req NotificationTokenRequest
	if !decode(w, r, &req) {
		return
	}
	if !a.keeper.Machine.UpdateNotificationToken(r.Context(), req.FCMToken, req.Device) {
		writeError(w, http.StatusBadGateway, "could not register notification token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
