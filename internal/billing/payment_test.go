package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifySessionPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions/cs_123" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cs_123","status":"complete","paid":true,"quantity":1}`))
	}))
	defer srv.Close()

	client := NewPaymentClient(PaymentConfig{Endpoint: srv.URL, SecretKey: "sk_test", Timeout: time.Second})

	session, err := client.VerifySession(context.Background(), "cs_123")
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if !session.Paid || session.Quantity != 1 {
		t.Errorf("session = %+v", session)
	}
}

func TestVerifySessionUnpaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cs_456","status":"open","paid":false}`))
	}))
	defer srv.Close()

	client := NewPaymentClient(PaymentConfig{Endpoint: srv.URL, Timeout: time.Second})

	if _, err := client.VerifySession(context.Background(), "cs_456"); !errors.Is(err, ErrSessionNotPaid) {
		t.Fatalf("err = %v, want ErrSessionNotPaid", err)
	}
}

func TestVerifySessionProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewPaymentClient(PaymentConfig{Endpoint: srv.URL, Timeout: time.Second})

	if _, err := client.VerifySession(context.Background(), "cs_789"); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestVerifySessionDevModeWithoutEndpoint(t *testing.T) {
	client := NewPaymentClient(PaymentConfig{CreditsPerPack: 3})

	session, err := client.VerifySession(context.Background(), "cs_dev")
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if !session.Paid || session.Quantity != 3 {
		t.Errorf("session = %+v", session)
	}
}
