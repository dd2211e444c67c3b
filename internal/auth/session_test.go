package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newService() *Service {
	return NewService(Config{
		Username: "admin",
		Password: "admin",
		Secret:   "test-secret-123",
		TTL:      7 * 24 * time.Hour,
	})
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", CookieName)
	return nil
}

func TestLoginSetsSessionCookie(t *testing.T) {
	s := newService()
	rr := httptest.NewRecorder()
	if err := s.Login(rr, "admin", "admin"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	c := sessionCookie(t, rr)
	if c.Path != "/" || !c.HttpOnly {
		t.Fatalf("cookie attributes: %+v", c)
	}
	if c.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Fatalf("max age = %d, want 7 days", c.MaxAge)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	user, err := s.User(req)
	if err != nil || user != "admin" {
		t.Fatalf("User = %q, %v", user, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newService()
	for _, creds := range [][2]string{{"admin", "wrong"}, {"root", "admin"}, {"", ""}} {
		rr := httptest.NewRecorder()
		if err := s.Login(rr, creds[0], creds[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Login(%q, %q) = %v, want ErrInvalidCredentials", creds[0], creds[1], err)
		}
		if len(rr.Result().Cookies()) != 0 {
			t.Fatalf("cookie set on failed login")
		}
	}
}

func TestLogoutExpiresCookie(t *testing.T) {
	rr := httptest.NewRecorder()
	newService().Logout(rr)
	c := sessionCookie(t, rr)
	if c.MaxAge >= 0 || c.Value != "" {
		t.Fatalf("logout cookie not cleared: %+v", c)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	s := newService()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := s.User(req); !errors.Is(err, ErrNoSession) {
		t.Fatalf("no cookie: %v", err)
	}

	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-token"})
	if s.IsAuthenticated(req) {
		t.Fatalf("garbage token accepted")
	}
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	other := NewService(Config{Username: "admin", Password: "admin", Secret: "another-secret"})
	token, _, err := other.Issue("admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newService().Verify(token); err == nil {
		t.Fatalf("token signed with another secret was accepted")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newService()
	s.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	token, _, err := s.Issue("admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}
