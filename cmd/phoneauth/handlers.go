package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adaokul/phoneauth/internal/otp"
	"github.com/adaokul/phoneauth/internal/phone"
)

// User-facing messages. The product is Turkish-only.
const (
	msgSent            = "Doğrulama kodu gönderildi."
	msgVerified        = "Doğrulama başarılı."
	msgLoggedOut       = "Başarıyla çıkış yapıldı."
	msgBadRequest      = "Geçersiz istek."
	msgNameTooShort    = "İsim en az 2 karakter olmalı."
	msgPhoneRequired   = "Telefon numarası gerekli."
	msgPhoneInvalid    = "Geçerli bir telefon numarası girin (5XX XXX XX XX)."
	msgCodeInvalid     = "Doğrulama kodu 6 haneli olmalı."
	msgSendLimited     = "Çok fazla deneme yaptınız. Lütfen 5 dakika sonra tekrar deneyin."
	msgAlreadyActive   = "Zaten aktif bir doğrulama kodunuz var. Lütfen bekleyin veya mevcut kodu kullanın."
	msgDeliveryFailed  = "Doğrulama kodu gönderilemedi. Lütfen tekrar deneyin."
	msgVerifyLimited   = "Çok fazla yanlış deneme. Lütfen 15 dakika sonra tekrar deneyin."
	msgCodeWrong       = "Doğrulama kodu yanlış veya süresi dolmuş."
	msgTooManyAttempts = "Bu doğrulama kodu için çok fazla yanlış deneme yapıldı."
	msgNoSession       = "Oturum bulunamadı."
	msgBadSession      = "Oturum geçersiz veya süresi dolmuş."
	msgTokenFailed     = "Oturum oluşturulamadı."
	msgServerError     = "Sunucu hatası. Lütfen tekrar deneyin."
)

var (
	reLocalPhone = regexp.MustCompile(`^5\d{9}$`)
	reOTPCode    = regexp.MustCompile(`^\d{6}$`)
)

type sendReq struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

type verifyReq struct {
	PhoneNumber string `json:"phone_number"`
	OTPCode     string `json:"otp_code"`
}

type sendResp struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Identifier string `json:"identifier"`
	ExpiresAt  int64  `json:"expires_at"`
}

type verifyResp struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	UserID     int64  `json:"user_id"`
	Token      string `json:"token"`
}

type sessionResp struct {
	Success    bool   `json:"success"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	UserID     int64  `json:"user_id"`
	LoginTime  int64  `json:"login_time"`
}

type msgResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, msgServerError, http.StatusServiceUnavailable)
		return
	}
	sendResponse(w, msgResp{Success: true, Message: "OK"})
}

// handleSendOTP issues a verification code and hands it to the SMS
// channel.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, msgBadRequest, http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) < 2 {
		sendErrorResponse(w, msgNameTooShort, http.StatusBadRequest)
		return
	}

	num := stripSpaces(req.PhoneNumber)
	if num == "" {
		sendErrorResponse(w, msgPhoneRequired, http.StatusBadRequest)
		return
	}
	if !reLocalPhone.MatchString(num) {
		sendErrorResponse(w, msgPhoneInvalid, http.StatusBadRequest)
		return
	}

	res, err := app.otp.Issue(r.Context(), name, num)
	if err != nil {
		switch {
		case errors.Is(err, phone.ErrInvalidPhone):
			sendErrorResponse(w, msgPhoneInvalid, http.StatusBadRequest)
		case errors.Is(err, otp.ErrRateLimited):
			sendErrorResponse(w, msgSendLimited, http.StatusTooManyRequests)
		case errors.Is(err, otp.ErrAlreadyActive):
			sendErrorResponse(w, msgAlreadyActive, http.StatusTooManyRequests)
		case errors.Is(err, otp.ErrDeliveryFailed):
			sendErrorResponse(w, msgDeliveryFailed, http.StatusBadGateway)
		default:
			app.lo.Error("error issuing code", "error", err)
			sendErrorResponse(w, msgServerError, http.StatusInternalServerError)
		}
		return
	}

	sendResponse(w, sendResp{
		Success:    true,
		Message:    msgSent,
		Identifier: res.Identifier,
		ExpiresAt:  res.ExpiresAt,
	})
}

// handleVerifyOTP checks a submitted code and, on success, mints a
// session token and sets the auth cookie.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	var req verifyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, msgBadRequest, http.StatusBadRequest)
		return
	}

	num := stripSpaces(req.PhoneNumber)
	if num == "" {
		sendErrorResponse(w, msgPhoneRequired, http.StatusBadRequest)
		return
	}

	code := strings.TrimSpace(req.OTPCode)
	if !reOTPCode.MatchString(code) {
		sendErrorResponse(w, msgCodeInvalid, http.StatusBadRequest)
		return
	}

	res, err := app.otp.Verify(r.Context(), num, code)
	if err != nil {
		switch {
		case errors.Is(err, phone.ErrInvalidPhone):
			sendErrorResponse(w, msgPhoneInvalid, http.StatusBadRequest)
		case errors.Is(err, otp.ErrRateLimited):
			sendErrorResponse(w, msgVerifyLimited, http.StatusTooManyRequests)
		case errors.Is(err, otp.ErrTooManyAttempts):
			sendErrorResponse(w, msgTooManyAttempts, http.StatusTooManyRequests)
		case errors.Is(err, otp.ErrInvalidOrExpired):
			sendErrorResponse(w, msgCodeWrong, http.StatusBadRequest)
		default:
			app.lo.Error("error verifying code", "error", err)
			sendErrorResponse(w, msgServerError, http.StatusInternalServerError)
		}
		return
	}

	tk, err := app.tokens.Mint(res.Identifier, res.Name, res.UserID)
	if err != nil {
		app.lo.Error("error minting session token", "error", err)
		sendErrorResponse(w, msgTokenFailed, http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     app.constants.CookieName,
		Value:    tk,
		Path:     "/",
		MaxAge:   int(app.tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   app.constants.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	sendResponse(w, verifyResp{
		Success:    true,
		Message:    msgVerified,
		Identifier: res.Identifier,
		Name:       res.Name,
		UserID:     res.UserID,
		Token:      tk,
	})
}

// handleSession returns the session claims from the auth cookie or,
// failing that, a bearer token.
func handleSession(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	raw := ""
	if c, err := r.Cookie(app.constants.CookieName); err == nil {
		raw = c.Value
	} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		sendErrorResponse(w, msgNoSession, http.StatusUnauthorized)
		return
	}

	sess, err := app.tokens.Parse(raw)
	if err != nil {
		sendErrorResponse(w, msgBadSession, http.StatusUnauthorized)
		return
	}

	sendResponse(w, sessionResp{
		Success:    true,
		Identifier: sess.Identifier,
		Name:       sess.Name,
		UserID:     sess.UserID,
		LoginTime:  sess.LoginTime,
	})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	http.SetCookie(w, &http.Cookie{
		Name:     app.constants.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   app.constants.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	sendResponse(w, msgResp{Success: true, Message: msgLoggedOut})
}

// wrap sets the app context into handler requests.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse writes a JSON body to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(data)
	if err != nil {
		sendErrorResponse(w, msgServerError, http.StatusInternalServerError)
		return
	}
	w.Write(out)
}

// sendErrorResponse writes a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	out, _ := json.Marshal(msgResp{Success: false, Message: message})
	w.Write(out)
}

// stripSpaces removes all whitespace so "5XX XXX XX XX" style input
// matches the validators.
func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
