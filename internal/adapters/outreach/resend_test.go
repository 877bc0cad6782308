package outreach

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// TestResendChecker_Status tests decoding of the provider response.
func TestResendChecker_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails/msg-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"email","id":"msg-1","last_event":"delivered"}`))
	}))
	defer srv.Close()

	c := NewResendChecker("re_test")
	base, _ := url.Parse(srv.URL + "/")
	c.client.BaseURL = base

	got, err := c.Status(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Ref != "msg-1" || got.State != "delivered" {
		t.Errorf("Status() = %+v", got)
	}
	if _, err := c.Status(context.Background(), "missing"); err == nil {
		t.Error("unknown message should fail")
	}
	if _, err := c.Status(context.Background(), ""); !errors.Is(err, ErrNoRef) {
		t.Errorf("empty ref = %v", err)
	}
}

// TestNoopChecker tests the provider-less fallback.
func TestNoopChecker(t *testing.T) {
	got, err := NoopChecker{}.Status(context.Background(), "msg-1")
	if err != nil || got.State != StatusUnknown {
		t.Errorf("Status() = %+v, %v", got, err)
	}
	if _, err := (NoopChecker{}).Status(context.Background(), ""); !errors.Is(err, ErrNoRef) {
		t.Errorf("empty ref = %v", err)
	}
}
