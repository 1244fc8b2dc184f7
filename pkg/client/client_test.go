package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/falcon-image-export/internal/testutil"
	"github.com/Sternrassler/falcon-image-export/pkg/auth"
)

func testPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestClient(t *testing.T, mock *testutil.MockFalcon) *Client {
	t.Helper()

	tokens, err := auth.NewManager(auth.Config{
		BaseURL:      mock.URL(),
		ClientID:     "id",
		ClientSecret: "secret",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("auth.NewManager() error = %v", err)
	}

	cfg := DefaultConfig(mock.URL(), tokens)
	cfg.Backoff = testPolicy()
	cfg.RequestsPerSecond = 1000
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestClient_CreateExportJob(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	c := newTestClient(t, mock)

	jobID, err := c.CreateExportJob(context.Background(), "a")
	if err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}
	if jobID == "" {
		t.Error("empty job ID")
	}
	if mock.TokenExchanges != 1 {
		t.Errorf("token exchanges = %d, want 1", mock.TokenExchanges)
	}
}

func TestClient_CreateExportJob_QuotaRetried(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.RejectCreates("b", 2)
	c := newTestClient(t, mock)

	jobID, err := c.CreateExportJob(context.Background(), "b")
	if err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}
	if jobID == "" {
		t.Error("empty job ID after quota retries")
	}
}

func TestClient_ExportJobStatus(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.SetStatusScript("c", "PENDING", "RUNNING", "DONE")
	c := newTestClient(t, mock)

	jobID, err := c.CreateExportJob(context.Background(), "c")
	if err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}

	want := []string{"PENDING", "RUNNING", "DONE", "DONE"}
	for i, expected := range want {
		status, err := c.ExportJobStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("ExportJobStatus() poll %d error = %v", i, err)
		}
		if status != expected {
			t.Errorf("poll %d status = %q, want %q", i, status, expected)
		}
	}
}

func TestClient_ExportJobStatus_UnknownJob(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	c := newTestClient(t, mock)

	_, err := c.ExportJobStatus(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("class = %q, want client (not retried)", apiErr.ErrorClass)
	}
}

func TestClient_FetchExportPage(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.SyntheticDataset("d", 250)
	mock.SetReportTotal(true)
	c := newTestClient(t, mock)

	jobID, err := c.CreateExportJob(context.Background(), "d")
	if err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}

	page, err := c.FetchExportPage(context.Background(), jobID, 100, 100)
	if err != nil {
		t.Fatalf("FetchExportPage() error = %v", err)
	}
	if len(page.Records) != 100 {
		t.Errorf("records = %d, want 100", len(page.Records))
	}
	if page.Total != 250 {
		t.Errorf("total = %d, want 250", page.Total)
	}
	if page.Offset != 100 {
		t.Errorf("offset = %d, want 100", page.Offset)
	}
}

func TestClient_TokenRefreshOnUnauthorized(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	c := newTestClient(t, mock)

	// Prime a token, then revoke it server-side.
	if _, err := c.CreateExportJob(context.Background(), "e"); err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}
	mock.InvalidateTokens()

	if _, err := c.CreateExportJob(context.Background(), "e"); err != nil {
		t.Fatalf("CreateExportJob() after revocation error = %v", err)
	}
	if mock.TokenExchanges != 2 {
		t.Errorf("token exchanges = %d, want 2 (exactly one refresh)", mock.TokenExchanges)
	}
}

func TestClient_ServerErrorsRetried(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.FailNext("/exports/v1", 2)
	c := newTestClient(t, mock)

	if _, err := c.CreateExportJob(context.Background(), "f"); err != nil {
		t.Fatalf("CreateExportJob() error = %v, want success after 5xx retries", err)
	}
}

func TestClient_ServerErrorExhaustion(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.FailNext("/exports/v1", 100)
	c := newTestClient(t, mock)

	_, err := c.CreateExportJob(context.Background(), "0")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
}

func TestClient_RateLimitHintHonored(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	c := newTestClient(t, mock)

	var waits []time.Duration
	c.onBackoff = func(operation string, attempt int, delay time.Duration) {
		waits = append(waits, delay)
	}

	mock.RateLimitNext(1, 1)

	if _, err := c.CreateExportJob(context.Background(), "1"); err != nil {
		t.Fatalf("CreateExportJob() error = %v", err)
	}
	if len(waits) != 1 {
		t.Fatalf("backoff waits = %d, want 1", len(waits))
	}
	if waits[0] != time.Second {
		t.Errorf("wait = %v, want exactly the 1s Retry-After hint", waits[0])
	}
}

func TestClient_AuthErrorFatal(t *testing.T) {
	mock := testutil.NewMockFalcon()
	defer mock.Close()

	mock.RejectAuth(403)
	c := newTestClient(t, mock)

	_, err := c.CreateExportJob(context.Background(), "2")
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want wrapped *auth.AuthError", err)
	}
	// Exactly one exchange: credential rejection is not retried.
	if mock.TokenExchanges != 0 {
		t.Errorf("token exchanges = %d, want 0 successful", mock.TokenExchanges)
	}
}

func TestNew_Validation(t *testing.T) {
	tokens := &auth.Manager{}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base URL", Config{Tokens: tokens, UserAgent: "ua"}},
		{"missing tokens", Config{BaseURL: "https://api.example.com", UserAgent: "ua"}},
		{"missing user-agent", Config{BaseURL: "https://api.example.com", Tokens: tokens}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, zerolog.Nop()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
