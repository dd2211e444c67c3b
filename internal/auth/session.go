package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

// CookieName is the cookie that carries the signed session token.
const CookieName = "user_session"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoSession          = errors.New("no session cookie")
)

type Config struct {
	Username string
	Password string
	Secret   string
	TTL      time.Duration
	Secure   bool
}

type sessionClaims struct {
	jwt.StandardClaims
}

// Service issues and verifies session cookies for the single configured
// operator account.
type Service struct {
	cfg Config
	now func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}
}

// CheckCredentials compares in constant time.
func (s *Service) CheckCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

// Issue signs a token for username and returns it with its expiry.
func (s *Service) Issue(username string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.TTL)
	claims := sessionClaims{StandardClaims: jwt.StandardClaims{
		Subject:   username,
		Id:        uuid.NewString(),
		IssuedAt:  now.Unix(),
		ExpiresAt: exp.Unix(),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Verify returns the username a valid token was issued to.
func (s *Service) Verify(token string) (string, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("verify session: invalid token")
	}
	return claims.Subject, nil
}

// Login checks the credentials and sets the session cookie on success.
func (s *Service) Login(w http.ResponseWriter, username, password string) error {
	if !s.CheckCredentials(username, password) {
		return ErrInvalidCredentials
	}
	token, exp, err := s.Issue(username)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(s.cfg.TTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Service) Logout(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// User returns the authenticated username of r.
func (s *Service) User(r *http.Request) (string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", ErrNoSession
	}
	return s.Verify(c.Value)
}

func (s *Service) IsAuthenticated(r *http.Request) bool {
	_, err := s.User(r)
	return err == nil
}
