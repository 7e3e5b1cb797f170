package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendGrid_Send_Accepted(t *testing.T) {
	var captured sendGridRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sg-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{
		APIKey:    "sg-key",
		FromEmail: "noreply@example.com",
		FromName:  "Example",
		BaseURL:   srv.URL,
	}, nil)

	err := sg.Send(context.Background(), Email{
		To:       "ada@example.com",
		ToName:   "Ada",
		Subject:  "Welcome",
		HTMLBody: "<p>Hello <b>Ada</b></p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.From.Email != "noreply@example.com" {
		t.Errorf("from = %q", captured.From.Email)
	}
	if len(captured.Content) != 2 || captured.Content[0].Type != "text/plain" {
		t.Fatalf("content order wrong: %+v", captured.Content)
	}
	if captured.Content[0].Value != "Hello Ada" {
		t.Errorf("plain text = %q", captured.Content[0].Value)
	}
}

func TestSendGrid_Send_RejectedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	err := sg.Send(context.Background(), Email{To: "x@example.com"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("error = %v, want ErrRejected", err)
	}
}

func TestSendGrid_Send_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sg := NewSendGrid(SendGridConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	err := sg.Send(context.Background(), Email{To: "x@example.com"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRejected) {
		t.Errorf("5xx must not be classified as rejected: %v", err)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"tags stripped", "<p>Hi <a href=\"x\">there</a></p>", "Hi there"},
		{"whitespace collapsed", "<div>\n  a\n  b\n</div>", "a b"},
		{"empty body", "<br/>", " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plainText(tt.html); got != tt.want {
				t.Errorf("plainText(%q) = %q, want %q", tt.html, got, tt.want)
			}
		})
	}
}
