package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"orchestra/internal/model"
)

func startTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPControllerRoundTripsThroughRealServer(t *testing.T) {
	ctrl := newTestController(t, Options{})
	srv := NewServer(ctrl)
	ts := startTestServer(t, srv)

	client := NewHTTPController(ts.URL, 5*time.Second, RetryPolicy{})
	ctx := context.Background()

	if _, err := client.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test")); err != nil {
		t.Fatalf("queue push: %v", err)
	}
	lock, ok, err := client.QueuePop(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("queue pop: ok=%v err=%v", ok, err)
	}
	if lock.Token != "tok-1" {
		t.Fatalf("expected lock on tok-1, got %s", lock.Token)
	}

	status := model.StatusCompleted
	if err := client.RegistryPush(ctx, lock.ID, &status, nil); err != nil {
		t.Fatalf("registry push: %v", err)
	}
	got, err := client.GetStatus(ctx, "tok-1")
	if err != nil || got != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", got, err)
	}
}

func TestServerRejectsMissingBearerToken(t *testing.T) {
	ctrl := newTestController(t, Options{})
	srv := NewServer(ctrl)
	srv.RequireBearerToken("secret-token")
	ts := startTestServer(t, srv)

	client := NewHTTPController(ts.URL, 5*time.Second, RetryPolicy{})
	_, err := client.QueuePush(context.Background(), model.Token{Value: "tok-1"}, jobInfo("test"))
	if err == nil {
		t.Fatalf("expected an error without a bearer token")
	}
}

func TestServerAcceptsMatchingBearerToken(t *testing.T) {
	ctrl := newTestController(t, Options{})
	srv := NewServer(ctrl)
	srv.RequireBearerToken("secret-token")
	ts := startTestServer(t, srv)

	client := NewHTTPController(ts.URL, 5*time.Second, RetryPolicy{})
	client.SetBearerToken("secret-token")
	if _, err := client.QueuePush(context.Background(), model.Token{Value: "tok-1"}, jobInfo("test")); err != nil {
		t.Fatalf("expected matching bearer token to be accepted: %v", err)
	}
}

func TestServerRejectsWrongBearerToken(t *testing.T) {
	ctrl := newTestController(t, Options{})
	srv := NewServer(ctrl)
	srv.RequireBearerToken("secret-token")
	ts := startTestServer(t, srv)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/queue/push", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
