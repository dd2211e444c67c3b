package web

import (
	"errors"
	"net/http"

	"courier-map/internal/auth"
	"courier-map/internal/logging"
)

const loginPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Courier Map · Login</title>
  <link rel="stylesheet" href="/static/style.css">
</head>
<body class="login">
  <form method="post" action="/login">
    <h1>Courier Map</h1>
    {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
    <label>Username <input name="username" value="{{.Username}}" autofocus required></label>
    <label>Password <input name="password" type="password" required></label>
    <button type="submit">Log in</button>
  </form>
</body>
</html>
`

type loginView struct {
	Username string
	Error    string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.auth.IsAuthenticated(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderLogin(w, r, http.StatusOK, loginView{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, r, http.StatusBadRequest, loginView{Error: "Malformed login form"})
		return
	}
	username := r.PostFormValue("username")
	err := s.auth.Login(w, username, r.PostFormValue("password"))
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.log.Info(r.Context(), "login rejected", logging.String("username", username))
		s.renderLogin(w, r, http.StatusUnauthorized, loginView{
			Username: username,
			Error:    "Invalid username or password",
		})
	case err != nil:
		s.log.Error(r.Context(), "issue session", logging.Err(err))
		s.renderLogin(w, r, http.StatusInternalServerError, loginView{Error: "Login unavailable"})
	default:
		s.log.Info(r.Context(), "login", logging.String("username", username))
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, view loginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.login.Execute(w, view); err != nil {
		s.log.Error(r.Context(), "render login", logging.Err(err))
	}
}
