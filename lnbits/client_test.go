package lnbits

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL:       url,
		APIKey:        "test-key",
		Timeout:       5 * time.Second,
		Retries:       2,
		RetryInterval: time.Millisecond,
	}, zerolog.Nop())
}

func TestWalletInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/wallet" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("unexpected api key %q", got)
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "lntag-agent/") {
			t.Errorf("unexpected user agent %q", ua)
		}
		json.NewEncoder(w).Encode(Wallet{ID: "w1", Name: "register", Balance: 125000})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	w, err := c.WalletInfo(context.Background())
	if err != nil {
		t.Fatalf("WalletInfo failed: %v", err)
	}
	if w.ID != "w1" || w.Name != "register" || w.Balance != 125000 {
		t.Errorf("unexpected wallet %+v", w)
	}
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Wallet{Balance: 21000})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	balance, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 21000 {
		t.Errorf("expected 21000 msat, got %d", balance)
	}
}

func TestCreateWithdrawLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/withdraw/api/v1/links" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req CreateLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.MinWithdrawable != 500 || req.MaxWithdrawable != 500 {
			t.Errorf("unexpected amounts %d/%d", req.MinWithdrawable, req.MaxWithdrawable)
		}
		if req.Uses != 1 || !req.IsUnique {
			t.Errorf("expected single-use unique link, got %+v", req)
		}
		json.NewEncoder(w).Encode(WithdrawLink{
			ID:    "abc123",
			Title: req.Title,
			LNURL: "LNURL1TESTLINK",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	link, err := c.CreateWithdrawLink(context.Background(), CreateLinkRequest{
		Title:           "Lightning Gift Card",
		MinWithdrawable: 500,
		MaxWithdrawable: 500,
		Uses:            1,
		WaitTime:        1,
		IsUnique:        true,
	})
	if err != nil {
		t.Fatalf("CreateWithdrawLink failed: %v", err)
	}
	if link.ID != "abc123" || link.LNURL != "LNURL1TESTLINK" {
		t.Errorf("unexpected link %+v", link)
	}
}

func TestDeleteWithdrawLink(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.DeleteWithdrawLink(context.Background(), "abc123"); err != nil {
		t.Fatalf("DeleteWithdrawLink failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/withdraw/api/v1/links/abc123" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestGetWithdrawLink_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "withdraw link does not exist"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetWithdrawLink(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.Status)
	}
	if apiErr.Detail != "withdraw link does not exist" {
		t.Errorf("unexpected detail %q", apiErr.Detail)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should report true")
	}
}

func TestGet_RetriesTransportFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(Wallet{Balance: 42})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	w, err := c.WalletInfo(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if w.Balance != 42 {
		t.Errorf("unexpected balance %d", w.Balance)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestGet_APIErrorIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"detail": "wallet backend down"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.WalletInfo(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 APIError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestCheckPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/deadbeef" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(PaymentStatus{Paid: true, Preimage: "0123"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	status, err := c.CheckPayment(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("CheckPayment failed: %v", err)
	}
	if !status.Paid || status.Preimage != "0123" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestPayments_PassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("expected limit=5, got %q", got)
		}
		json.NewEncoder(w).Encode([]Payment{{PaymentHash: "h1", Amount: -1000}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	payments, err := c.Payments(context.Background(), 5)
	if err != nil {
		t.Fatalf("Payments failed: %v", err)
	}
	if len(payments) != 1 || payments[0].PaymentHash != "h1" {
		t.Errorf("unexpected payments %+v", payments)
	}
}

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Out {
			t.Error("invoice creation must send out=false")
		}
		if req.Amount != 1500 || req.Memo != "top up" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(Invoice{PaymentHash: "ph", PaymentRequest: "lnbc15u1..."})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	inv, err := c.CreateInvoice(context.Background(), 1500, "top up", "")
	if err != nil {
		t.Fatalf("CreateInvoice failed: %v", err)
	}
	if inv.PaymentHash != "ph" {
		t.Errorf("unexpected invoice %+v", inv)
	}
}
