package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/records"
	"github.com/watzon/quarry/internal/storage"
)

const oauthStateCookie = "oauth_state"

// AuthHandlers serves the /api/auth/v1 routes.
type AuthHandlers struct {
	service *auth.Service
	db      *database.DB
	blobs   storage.Backend
	siteURL func() string
	maxBody int64
}

func NewAuthHandlers(service *auth.Service, db *database.DB, blobs storage.Backend, siteURL func() string, maxBody int64) *AuthHandlers {
	return &AuthHandlers{service: service, db: db, blobs: blobs, siteURL: siteURL, maxBody: maxBody}
}

func (h *AuthHandlers) Service() *auth.Service { return h.service }

// setTokenCookies installs browser-flow credentials.
func setTokenCookies(w http.ResponseWriter, tokens *auth.Tokens) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.AccessTokenCookie,
		Value:    tokens.AccessToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     auth.RefreshTokenCookie,
		Value:    tokens.RefreshToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{auth.AccessTokenCookie, auth.RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

// Login handles POST /login.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	tokens, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		AuthError(w, err)
		return
	}

	setTokenCookies(w, tokens)
	JSON(w, http.StatusOK, tokens)
}

// Logout handles POST /logout.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	_ = h.service.Logout(r.Context(), auth.RefreshTokenFrom(r))
	clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// Register handles POST /register.
func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		Password       string `json:"password"`
		PasswordRepeat string `json:"password_repeat"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.service.Register(r.Context(), req.Email, req.Password, req.PasswordRepeat); err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Refresh handles POST /refresh: rotates the access token, keeps the
// refresh token.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := auth.RefreshTokenFrom(r)
	if refreshToken == "" {
		Unauthorized(w, "missing refresh token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		AuthError(w, err)
		return
	}

	setTokenCookies(w, tokens)
	JSON(w, http.StatusOK, tokens)
}

// Status handles GET /status.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		JSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"sub":           encodeID(claims.UserID),
		"email":         claims.Email,
		"verified":      claims.Verified,
		"csrf_token":    claims.CSRFToken,
	})
}

// VerifyEmail handles GET /verify_email/{code}.
func (h *AuthHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.service.VerifyEmail(r.Context(), r.PathValue("code")); err != nil {
		AuthError(w, err)
		return
	}
	http.Redirect(w, r, h.siteURL()+"/", http.StatusSeeOther)
}

// RequestPasswordReset handles POST /reset_password/request.
func (h *AuthHandlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetPassword handles POST /reset_password/update.
func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Email, req.Code, req.Password); err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChangePassword handles POST /change_password (authenticated).
func (h *AuthHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, req.OldPassword, req.NewPassword); err != nil {
		AuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeEmail handles POST /change_email (authenticated).
func (h *AuthHandlers) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	var req struct {
		NewEmail string `json:"new_email"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.service.RequestEmailChange(r.Context(), claims.UserID, req.NewEmail); err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Delete handles POST /delete: the caller removes their own account.
func (h *AuthHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	if err := h.service.DeleteUser(r.Context(), claims.UserID); err != nil {
		AuthError(w, err)
		return
	}
	clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// RequestOTP handles POST /otp/request.
func (h *AuthHandlers) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if err := h.service.RequestOTP(r.Context(), req.Email); err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VerifyOTP handles POST /otp/verify.
func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	tokens, err := h.service.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		AuthError(w, err)
		return
	}

	setTokenCookies(w, tokens)
	JSON(w, http.StatusOK, tokens)
}

// Token handles POST /token: the PKCE authorization-code exchange.
func (h *AuthHandlers) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthorizationCode string `json:"authorization_code"`
		PKCECodeVerifier  string `json:"pkce_code_verifier"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	tokens, err := h.service.ExchangeAuthorizationCode(r.Context(), req.AuthorizationCode, req.PKCECodeVerifier)
	if err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, tokens)
}

// Providers handles GET /oauth/providers.
func (h *AuthHandlers) Providers(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"providers": h.service.OAuth().Names()})
}

// OAuthLogin handles GET /oauth/{provider}/login: stores the transient
// state (CSRF, redirect target, client PKCE challenge, response type) in a
// signed short-lived cookie and bounces to the provider.
func (h *AuthHandlers) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := h.service.OAuth().Get(r.PathValue("provider"))
	if err != nil {
		AuthError(w, err)
		return
	}

	csrf := uuid.NewString()
	state := jwt.MapClaims{
		"csrf":          csrf,
		"provider":      provider.Name(),
		"redirect_to":   r.URL.Query().Get("redirect_to"),
		"challenge":     r.URL.Query().Get("pkce_code_challenge"),
		"response_type": r.URL.Query().Get("response_type"),
	}

	signed, err := h.service.JWT().SignStateToken(state, auth.StateCookieTTL)
	if err != nil {
		AuthError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    signed,
		Path:     "/api/auth/v1/oauth",
		MaxAge:   int(auth.StateCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.AuthCodeURL(csrf, h.callbackURL(provider.Name())), http.StatusSeeOther)
}

// OAuthCallback handles GET /oauth/{provider}/callback.
func (h *AuthHandlers) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := h.service.OAuth().Get(r.PathValue("provider"))
	if err != nil {
		AuthError(w, err)
		return
	}

	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		Unauthorized(w, "missing oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/api/auth/v1/oauth", MaxAge: -1})

	state, err := h.service.JWT().VerifyStateToken(cookie.Value)
	if err != nil {
		Unauthorized(w, "invalid oauth state")
		return
	}

	csrf, _ := state["csrf"].(string)
	if csrf == "" || r.URL.Query().Get("state") != csrf {
		Unauthorized(w, "oauth state mismatch")
		return
	}
	if name, _ := state["provider"].(string); name != provider.Name() {
		Unauthorized(w, "oauth state mismatch")
		return
	}

	token, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"), h.callbackURL(provider.Name()))
	if err != nil {
		AuthError(w, err)
		return
	}

	info, err := provider.FetchUserInfo(r.Context(), token)
	if err != nil {
		AuthError(w, err)
		return
	}

	user, err := h.service.Store().CreateFromProvider(r.Context(), info.Email, info.EmailVerified, provider.ID(), info.ID)
	if err != nil {
		AuthError(w, err)
		return
	}

	redirectTo, _ := state["redirect_to"].(string)
	if redirectTo == "" {
		redirectTo = "/"
	}

	if responseType, _ := state["response_type"].(string); responseType == "code" {
		challenge, _ := state["challenge"].(string)
		code, err := h.service.IssueAuthorizationCode(r.Context(), user, challenge)
		if err != nil {
			AuthError(w, err)
			return
		}
		target, perr := url.Parse(redirectTo)
		if perr != nil {
			BadRequest(w, "invalid redirect target")
			return
		}
		q := target.Query()
		q.Set("code", code)
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
		return
	}

	tokens, err := h.service.MintTokens(r.Context(), user)
	if err != nil {
		AuthError(w, err)
		return
	}
	setTokenCookies(w, tokens)
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

func (h *AuthHandlers) callbackURL(provider string) string {
	return fmt.Sprintf("%s/api/auth/v1/oauth/%s/callback", h.siteURL(), provider)
}

// GetAvatar handles GET /avatar: streams the caller's avatar blob.
func (h *AuthHandlers) GetAvatar(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	row, err := h.db.QueryRow(r.Context(), `SELECT file FROM _user_avatar WHERE user_id = ?`, claims.UserID)
	if err != nil {
		NotFound(w, "no avatar")
		return
	}

	var upload records.FileUpload
	if jerr := json.Unmarshal([]byte(asText(row["file"])), &upload); jerr != nil || upload.ID == "" {
		NotFound(w, "no avatar")
		return
	}

	blob, err := h.blobs.Get(r.Context(), upload.ID)
	if err != nil {
		NotFound(w, "no avatar")
		return
	}
	defer blob.Close()

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, blob)
}

// SetAvatar handles POST /avatar: multipart upload keyed "file".
func (h *AuthHandlers) SetAvatar(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	if err := r.ParseMultipartForm(h.maxBody); err != nil {
		BadRequest(w, "parsing multipart form: "+err.Error())
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		BadRequest(w, "exactly one file part named \"file\" is required")
		return
	}

	part, err := files[0].Open()
	if err != nil {
		BadRequest(w, "reading upload: "+err.Error())
		return
	}
	defer part.Close()

	upload := records.FileUpload{
		ID:          uuid.NewString(),
		Filename:    files[0].Filename,
		ContentType: files[0].Header.Get("Content-Type"),
		MimeType:    files[0].Header.Get("Content-Type"),
	}
	if err := h.blobs.Put(r.Context(), upload.ID, part); err != nil {
		InternalError(w, "storing avatar failed")
		return
	}

	encoded, _ := json.Marshal(upload)
	err = h.db.Transaction(r.Context(), func(tx *sql.Tx) error {
		// Queue the prior avatar blob, if any, then upsert.
		var prior string
		row := tx.QueryRowContext(r.Context(), `SELECT file FROM _user_avatar WHERE user_id = ?`, claims.UserID)
		if scanErr := row.Scan(&prior); scanErr == nil && prior != "" {
			if _, derr := tx.ExecContext(r.Context(), `
				INSERT INTO _file_deletions (table_name, record_rowid, column_name, json)
				VALUES ('_user_avatar', 0, 'file', ?)
			`, prior); derr != nil {
				return derr
			}
		}
		_, uerr := tx.ExecContext(r.Context(), `
			INSERT INTO _user_avatar (user_id, file) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET file = excluded.file, updated = unixepoch()
		`, claims.UserID, string(encoded))
		return uerr
	})
	if err != nil {
		InternalError(w, "saving avatar failed")
		return
	}
	JSON(w, http.StatusOK, upload)
}

// DeleteAvatar handles DELETE /avatar.
func (h *AuthHandlers) DeleteAvatar(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return
	}

	err := h.db.Transaction(r.Context(), func(tx *sql.Tx) error {
		var prior string
		row := tx.QueryRowContext(r.Context(), `SELECT file FROM _user_avatar WHERE user_id = ?`, claims.UserID)
		if scanErr := row.Scan(&prior); scanErr != nil {
			return nil
		}
		if prior != "" {
			if _, derr := tx.ExecContext(r.Context(), `
				INSERT INTO _file_deletions (table_name, record_rowid, column_name, json)
				VALUES ('_user_avatar', 0, 'file', ?)
			`, prior); derr != nil {
				return derr
			}
		}
		_, uerr := tx.ExecContext(r.Context(), `DELETE FROM _user_avatar WHERE user_id = ?`, claims.UserID)
		return uerr
	})
	if err != nil {
		InternalError(w, "deleting avatar failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func encodeID(id []byte) string {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return ""
	}
	return u.String()
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
