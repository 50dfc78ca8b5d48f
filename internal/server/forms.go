package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// LoginForm is the password login form
type LoginForm struct {
	Username  string `validate:"required,max=254"`
	Password  string `validate:"required,max=1024"`
	CSRFToken string `validate:"required"`
	Next      string `validate:"max=2048"`
}

// ActivateForm is the set-password form
type ActivateForm struct {
	Password1 string `validate:"required,max=1024"`
	Password2 string `validate:"required,eqfield=Password1"`
	CSRFToken string `validate:"required"`
}

// InviteRequest is the JSON body of an invitation
type InviteRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	IsAdmin     bool   `json:"is_admin"`
	IsTherapist bool   `json:"is_therapist"`
}

func parseLoginForm(r *http.Request) (LoginForm, error) {
	if err := r.ParseForm(); err != nil {
		return LoginForm{}, err
	}
	return LoginForm{
		Username:  r.PostForm.Get("username"),
		Password:  r.PostForm.Get("password"),
		CSRFToken: r.PostForm.Get("csrf_token"),
		Next:      r.PostForm.Get("next"),
	}, nil
}

func parseActivateForm(r *http.Request) (ActivateForm, error) {
	if err := r.ParseForm(); err != nil {
		return ActivateForm{}, err
	}
	return ActivateForm{
		Password1: r.PostForm.Get("password1"),
		Password2: r.PostForm.Get("password2"),
		CSRFToken: r.PostForm.Get("csrf_token"),
	}, nil
}

// validationMessage turns the first failed rule into a user-facing message
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Please check the form and try again."
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fieldLabel(fe.Field()) + " is required."
	case "email":
		return "Enter a valid email address."
	case "eqfield":
		return "The two password fields didn't match."
	case "max":
		return fieldLabel(fe.Field()) + " is too long."
	default:
		return "Please check the form and try again."
	}
}

func fieldLabel(field string) string {
	switch field {
	case "Username":
		return "Email/Username"
	case "Password", "Password1", "Password2":
		return "Password"
	case "Email":
		return "Email"
	case "CSRFToken":
		return "Form token"
	default:
		return field
	}
}
