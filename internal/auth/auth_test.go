package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/park285/chess-match-server/internal/domain"
)

func TestQueryAuthenticator(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?userId=u1&name=alice&guest=true", nil)
	p, err := Query{}.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ID != "u1" || p.Name != "alice" || !p.Guest {
		t.Fatalf("unexpected participant: %+v", p)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?userId=u2", nil)
	if p, _ = (Query{}).Authenticate(r); p.Name != "u2" {
		t.Fatalf("name should default to id, got %q", p.Name)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := (Query{}).Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestJWTRoundTripSources(t *testing.T) {
	j, err := NewJWT("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := j.Issue(domain.Participant{ID: "u1", Name: "alice", Guest: true}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	reqs := map[string]*http.Request{}
	reqs["query"] = httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	bearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+tok)
	reqs["bearer"] = bearer
	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: "guest", Value: tok})
	reqs["cookie"] = cookie
	reqs["path"] = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/ws/x", nil), map[string]string{"token": tok})

	for name, r := range reqs {
		p, err := j.Authenticate(r)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.ID != "u1" || p.Name != "alice" || !p.Guest {
			t.Fatalf("%s: unexpected participant %+v", name, p)
		}
	}
}

func TestJWTRejects(t *testing.T) {
	j, _ := NewJWT("s3cret")
	other, _ := NewJWT("other")
	forged, _ := other.Issue(domain.Participant{ID: "u1"}, time.Minute)
	expired, _ := j.Issue(domain.Participant{ID: "u1"}, -time.Minute)

	for name, tok := range map[string]string{"forged": forged, "expired": expired, "garbage": "abc", "empty": ""} {
		r := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
		if _, err := j.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}

	if _, err := NewJWT(""); err == nil {
		t.Fatal("empty secret must be refused")
	}
	if _, err := New("ldap", ""); err == nil {
		t.Fatal("unknown mode must be refused")
	}
}
