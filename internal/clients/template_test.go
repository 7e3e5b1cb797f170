package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Belladihno/email-service/internal/cache"
	"github.com/Belladihno/email-service/internal/clock"
	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/resilience"
)

func newTestDeps(t *testing.T) (*resilience.Breaker, *cache.Cache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	breaker := resilience.NewBreaker(
		resilience.NewMemoryStateStore(),
		resilience.BreakerConfig{Threshold: 5, ResetTimeout: 30 * time.Second},
		clock.RealClock{},
		nil,
	)
	return breaker, cache.New(client, nil)
}

func TestTemplateClient_Render(t *testing.T) {
	tc := &TemplateClient{}

	template := domain.Template{
		Subject: "Welcome, {{name}}!",
		Body:    "<p>Hello {{ name }}, confirm at {{link}}. Plan: {{plan}}.</p>",
	}
	variables := domain.TemplateVariables{
		Name: "Ada",
		Link: "https://example.com/confirm",
		Meta: map[string]string{"plan": "pro"},
	}

	subject, body := tc.Render(template, variables)

	if subject != "Welcome, Ada!" {
		t.Errorf("subject = %q", subject)
	}
	want := "<p>Hello Ada, confirm at https://example.com/confirm. Plan: pro.</p>"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestTemplateClient_Render_UnknownPlaceholderKept(t *testing.T) {
	tc := &TemplateClient{}

	template := domain.Template{Subject: "{{greeting}} {{name}}", Body: ""}
	subject, _ := tc.Render(template, domain.TemplateVariables{Name: "Ada"})

	if subject != "{{greeting}} Ada" {
		t.Errorf("subject = %q, want unknown placeholder untouched", subject)
	}
}

func TestTemplateClient_GetByCode_CachesLookup(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/v1/templates/code/welcome_email" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "ok",
			"data": domain.Template{
				Code:    "welcome_email",
				Subject: "Welcome",
				Body:    "Hi {{name}}",
			},
		})
	}))
	defer srv.Close()

	breaker, c := newTestDeps(t)
	tc := NewTemplateClient(srv.URL, breaker, c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tmpl, err := tc.GetByCode(ctx, "welcome_email", "corr-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tmpl.Subject != "Welcome" {
			t.Errorf("subject = %q, want Welcome", tmpl.Subject)
		}
	}

	if calls != 1 {
		t.Errorf("template service calls = %d, want 1 (cache-aside)", calls)
	}
}

func TestTemplateClient_GetByCode_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	breaker, c := newTestDeps(t)
	tc := NewTemplateClient(srv.URL, breaker, c, nil)

	_, err := tc.GetByCode(context.Background(), "missing", "corr-1")
	if err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestUserClient_GetByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-ID") != "corr-9" {
			t.Errorf("missing correlation header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "ok",
			"data": domain.User{
				ID:          "u1",
				Name:        "Ada",
				Email:       "ada@example.com",
				Preferences: domain.UserPreferences{Email: true},
			},
		})
	}))
	defer srv.Close()

	breaker, c := newTestDeps(t)
	uc := NewUserClient(srv.URL, breaker, c, nil)

	user, err := uc.GetByID(context.Background(), "u1", "corr-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("email = %q", user.Email)
	}
	if !user.Preferences.Email {
		t.Error("email preference lost in transit")
	}
}

func TestRenderClient_RenderForUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RenderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Variables["name"] != "Ada" {
			t.Errorf("variables not flattened: %v", req.Variables)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"message": "ok",
			"data": domain.RenderedNotification{
				Email:           "ada@example.com",
				Subject:         "Welcome, Ada!",
				Body:            "<p>Hi</p>",
				UserPreferences: domain.UserPreferences{Email: true},
			},
		})
	}))
	defer srv.Close()

	breaker, _ := newTestDeps(t)
	rc := NewRenderClient(srv.URL, breaker, nil)

	rendered, err := rc.RenderForUser(context.Background(), RenderRequest{
		UserID:       "u1",
		TemplateCode: "welcome_email",
		Variables:    RenderVariables(domain.TemplateVariables{Name: "Ada", Link: "https://x"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered.Email != "ada@example.com" {
		t.Errorf("email = %q", rendered.Email)
	}
}

func TestRenderClient_RenderForUser_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	breaker, _ := newTestDeps(t)
	rc := NewRenderClient(srv.URL, breaker, nil)

	_, err := rc.RenderForUser(context.Background(), RenderRequest{UserID: "u1"})
	if err != domain.ErrRenderUnavailable {
		t.Errorf("error = %v, want ErrRenderUnavailable", err)
	}
}
