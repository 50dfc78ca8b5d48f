package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/lcpsychadmin/lcpsych/internal/analytics"
	jsonwriter "github.com/lcpsychadmin/lcpsych/internal/json"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/session"
	"github.com/lcpsychadmin/lcpsych/internal/signin"
	"github.com/lcpsychadmin/lcpsych/internal/urlutil"
)

const signInStartPath = "/sign-in/start"

// restartMessages are shown after a callback sent the browser back to start
var restartMessages = map[string]string{
	signin.OutcomeExpired:  "Your sign-in session expired or was started in another browser. Please try again.",
	signin.OutcomeMismatch: "We could not verify your sign-in request. Please try again.",
}

// SignInStart redirects the browser to the identity provider
func (h *Handlers) SignInStart(w http.ResponseWriter, r *http.Request) {
	if !h.signin.Enabled() {
		jsonwriter.WriteNotFound(w, "Single sign-on is not configured")
		return
	}

	ctx := r.Context()
	sess := currentSession(r)
	wasNew := sess.IsNew()

	if msg, ok := restartMessages[r.URL.Query().Get("error")]; ok {
		sess.AddFlash(session.FlashError, msg)
	}

	authURL, err := h.signin.Start(ctx, sess, r.Host, r.URL.Query().Get("next"))
	if err != nil {
		log.LogErrorWithFields("signin", "Failed to start sign-in", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteText(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable. Please try again later.")
		return
	}

	if wasNew {
		http.SetCookie(w, h.sessions.Policy().Canonical(sess.Key))
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// SignInCallback completes the handshake when the provider redirects back
func (h *Handlers) SignInCallback(w http.ResponseWriter, r *http.Request) {
	if !h.signin.Enabled() {
		jsonwriter.WriteNotFound(w, "Single sign-on is not configured")
		return
	}

	ctx := r.Context()
	result, err := h.signin.Callback(ctx, currentSession(r), r.Host, r.URL.Query())
	if err != nil {
		h.analytics.Failure(ctx, r, analytics.LabelSSOFailed)
		h.writeCallbackError(w, r, err)
		return
	}

	h.sessions.WriteCookie(w, result.Session)
	h.analytics.Success(ctx, r, analytics.LabelSSOSuccess, result.Account.ID)
	http.Redirect(w, r, result.Destination, http.StatusFound)
}

func (h *Handlers) writeCallbackError(w http.ResponseWriter, r *http.Request, err error) {
	if signin.Restartable(err) {
		target := urlutil.WithQuery(signInStartPath, url.Values{"error": {signin.Outcome(err)}})
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	switch {
	case errors.Is(err, signin.ErrDomainNotAllowed):
		jsonwriter.WriteText(w, http.StatusForbidden, "Sign-in failed: your account is not permitted to sign in here.")
	case errors.Is(err, signin.ErrTokenExchange):
		jsonwriter.WriteText(w, http.StatusBadRequest, "Sign-in failed: the identity provider did not accept the request. Please try again.")
	case errors.Is(err, signin.ErrMissingIdentityClaim):
		jsonwriter.WriteText(w, http.StatusBadRequest, "Sign-in failed: your Microsoft account did not provide an email address.")
	case errors.Is(err, signin.ErrAccountCreate):
		jsonwriter.WriteText(w, http.StatusBadRequest, "Sign-in failed: your account could not be created. Please try again.")
	default:
		jsonwriter.WriteText(w, http.StatusInternalServerError, "Sign-in failed due to a server error. Please try again later.")
	}
}
