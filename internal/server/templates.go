package server

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/session"
)

//go:embed templates/login.html
var loginPageTemplateHTML string

//go:embed templates/activate.html
var activatePageTemplateHTML string

var loginPageTemplate = template.Must(template.New("login").Parse(loginPageTemplateHTML))
var activatePageTemplate = template.Must(template.New("activate").Parse(activatePageTemplateHTML))

const siteName = "L+C Psychological Services"

// LoginPageData represents the data for the staff login page
type LoginPageData struct {
	SiteName   string
	CSRFToken  string
	Next       string
	Username   string
	Error      string
	SSOEnabled bool
	Flashes    []session.Flash
}

// ActivatePageData represents the data for the set-password page
type ActivatePageData struct {
	SiteName  string
	CSRFToken string
	Token     string
	Error     string
}

// renderPage executes tmpl into a buffer first so a template error never
// leaves a half-written page
func renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.LogErrorWithFields("http", "Failed to render page", map[string]any{
			"template": tmpl.Name(),
			"error":    err.Error(),
		})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
