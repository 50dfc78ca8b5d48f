package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lcpsychadmin/lcpsych/internal/analytics"
	"github.com/lcpsychadmin/lcpsych/internal/invite"
	jsonwriter "github.com/lcpsychadmin/lcpsych/internal/json"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/signin"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"github.com/lcpsychadmin/lcpsych/internal/urlutil"
)

const maxFormBytes = 64 << 10

// ensureSaved persists a new session and sets its cookie so a form posted
// back can be tied to it
func (h *Handlers) ensureSaved(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	if !sess.IsNew() {
		return nil
	}
	if err := h.sessions.Save(r.Context(), sess); err != nil {
		return err
	}
	http.SetCookie(w, h.sessions.Policy().Canonical(sess.Key))
	return nil
}

// LoginPage renders the staff login form
func (h *Handlers) LoginPage(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	next := r.URL.Query().Get("next")
	if !urlutil.IsSafeRedirect(next, r.Host, h.requireHTTPS) {
		next = ""
	}
	h.renderLogin(w, r, sess, http.StatusOK, next, "", "")
}

func (h *Handlers) renderLogin(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, next, username, formErr string) {
	flashes := sess.PopFlashes()
	if len(flashes) > 0 && !sess.IsNew() {
		if err := h.sessions.Save(r.Context(), sess); err != nil {
			log.LogWarnWithFields("http", "Failed to save session after reading flashes", map[string]any{"error": err.Error()})
		}
	}
	if err := h.ensureSaved(w, r, sess); err != nil {
		log.LogErrorWithFields("http", "Failed to save session", map[string]any{"error": err.Error()})
		jsonwriter.WriteServiceUnavailable(w, "Session store unavailable")
		return
	}
	token, err := h.csrf.Generate(sess.Key)
	if err != nil {
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	renderPage(w, status, loginPageTemplate, LoginPageData{
		SiteName:   siteName,
		CSRFToken:  token,
		Next:       next,
		Username:   username,
		Error:      formErr,
		SSOEnabled: h.signin.Enabled(),
		Flashes:    flashes,
	})
}

// Login handles the password login form
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := currentSession(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	form, err := parseLoginForm(r)
	if err != nil {
		jsonwriter.WriteText(w, http.StatusBadRequest, "Malformed form submission.")
		return
	}
	if sess.IsNew() || !h.csrf.Validate(sess.Key, form.CSRFToken) {
		log.LogWarnWithFields("http", "Login form failed CSRF validation", nil)
		jsonwriter.WriteText(w, http.StatusForbidden, "Your form expired. Please reload the page and try again.")
		return
	}
	if err := h.validate.Struct(form); err != nil {
		h.renderLogin(w, r, sess, http.StatusOK, form.Next, form.Username, validationMessage(err))
		return
	}

	account, err := h.signin.PasswordLogin(ctx, sess, form.Username, form.Password)
	if errors.Is(err, signin.ErrInvalidCredentials) {
		h.analytics.Failure(ctx, r, analytics.LabelLoginFailed)
		h.renderLogin(w, r, sess, http.StatusOK, form.Next, form.Username,
			"Please enter a correct username and password. Note that both fields may be case-sensitive.")
		return
	}
	if err != nil {
		log.LogErrorWithFields("http", "Password login failed", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	h.sessions.WriteCookie(w, sess)
	h.analytics.Success(ctx, r, analytics.LabelLoginSuccess, account.ID)
	dest := signin.PostLoginDestination(account, form.Next, r.Host, h.requireHTTPS, h.opts.ProfileEditPath, "/")
	http.Redirect(w, r, dest, http.StatusFound)
}

// Logout ends the session and redirects to a safe next or the home page
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.signin.Logout(r.Context(), currentSession(r)); err != nil {
		log.LogWarnWithFields("http", "Failed to delete session on logout", map[string]any{"error": err.Error()})
	}
	h.sessions.ClearCookie(w)

	next := r.URL.Query().Get("next")
	if r.Method == http.MethodPost && next == "" {
		_ = r.ParseForm()
		next = r.PostForm.Get("next")
	}
	http.Redirect(w, r, urlutil.SafeRedirectOr("/", r.Host, h.requireHTTPS, next), http.StatusFound)
}

// ActivatePage renders the set-password form for a valid invitation
func (h *Handlers) ActivatePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, err := h.invites.Lookup(r.Context(), token); err != nil {
		h.writeActivationError(w, err)
		return
	}
	h.renderActivate(w, r, currentSession(r), http.StatusOK, token, "")
}

func (h *Handlers) renderActivate(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, token, formErr string) {
	if err := h.ensureSaved(w, r, sess); err != nil {
		log.LogErrorWithFields("http", "Failed to save session", map[string]any{"error": err.Error()})
		jsonwriter.WriteServiceUnavailable(w, "Session store unavailable")
		return
	}
	csrfToken, err := h.csrf.Generate(sess.Key)
	if err != nil {
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	renderPage(w, status, activatePageTemplate, ActivatePageData{
		SiteName:  siteName,
		CSRFToken: csrfToken,
		Token:     token,
		Error:     formErr,
	})
}

// Activate sets the password for an invited account and logs it in
func (h *Handlers) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := currentSession(r)
	token := chi.URLParam(r, "token")
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	form, err := parseActivateForm(r)
	if err != nil {
		jsonwriter.WriteText(w, http.StatusBadRequest, "Malformed form submission.")
		return
	}
	if sess.IsNew() || !h.csrf.Validate(sess.Key, form.CSRFToken) {
		jsonwriter.WriteText(w, http.StatusForbidden, "Your form expired. Please reload the page and try again.")
		return
	}
	if err := h.validate.Struct(form); err != nil {
		h.renderActivate(w, r, sess, http.StatusOK, token, validationMessage(err))
		return
	}

	account, err := h.invites.Activate(ctx, token, form.Password1)
	if errors.Is(err, invite.ErrWeakPassword) {
		h.renderActivate(w, r, sess, http.StatusOK, token, err.Error()+".")
		return
	}
	if err != nil {
		h.writeActivationError(w, err)
		return
	}

	if err := h.sessions.Login(ctx, sess, account.ID); err != nil {
		log.LogErrorWithFields("http", "Failed to log in activated account", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	h.sessions.WriteCookie(w, sess)
	h.analytics.Success(ctx, r, analytics.LabelLoginSuccess, account.ID)

	dest := h.opts.ProfileEditPath
	if dest == "" {
		dest = "/"
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handlers) writeActivationError(w http.ResponseWriter, err error) {
	if errors.Is(err, invite.ErrInvalidActivation) {
		jsonwriter.WriteText(w, http.StatusNotFound, "Invalid or expired activation link.")
		return
	}
	log.LogErrorWithFields("http", "Activation failed", map[string]any{"error": err.Error()})
	jsonwriter.WriteInternalServerError(w, "Internal server error")
}

// inviteResponse is returned by the invite endpoint. ActivationURL is
// present only in debug mode.
type inviteResponse struct {
	AccountID     string   `json:"account_id"`
	Email         string   `json:"email"`
	Roles         []string `json:"roles"`
	Delivered     bool     `json:"delivered"`
	ActivationURL string   `json:"activation_url,omitempty"`
}

// Invite creates an invitation. Admin only.
func (h *Handlers) Invite(w http.ResponseWriter, r *http.Request) {
	// A JSON content type cannot be sent cross-site without a preflight
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		jsonwriter.WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
		return
	}

	var req InviteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonwriter.WriteBadRequest(w, validationMessage(err))
		return
	}

	res, err := h.invites.Invite(r.Context(), req.Email, req.IsAdmin, req.IsTherapist, h.opts.BaseURL)
	if errors.Is(err, invite.ErrInvalidEmail) {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		log.LogErrorWithFields("http", "Invitation failed", map[string]any{"error": err.Error()})
		jsonwriter.WriteError(w, http.StatusBadGateway, "invitation_failed", "The invitation could not be sent")
		return
	}

	log.LogInfoWithFields("http", "Invitation created", map[string]any{
		"invited_by": accountFrom(r.Context()).ID,
		"account_id": res.Account.ID,
	})

	resp := inviteResponse{
		AccountID: res.Account.ID,
		Email:     res.Account.Email,
		Roles:     res.Account.Roles,
		Delivered: res.Delivered,
	}
	if h.opts.Debug {
		resp.ActivationURL = res.ActivationURL
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, resp)
}

// Me returns the logged-in account
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	_ = jsonwriter.Write(w, struct {
		*storage.Account
		IsAdmin     bool `json:"is_admin"`
		IsTherapist bool `json:"is_therapist"`
	}{
		Account:     account,
		IsAdmin:     account.HasRole(storage.RoleAdmin),
		IsTherapist: account.HasRole(storage.RoleTherapist),
	})
}
