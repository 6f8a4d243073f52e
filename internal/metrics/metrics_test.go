package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if tasksSubmittedTotal == nil || tasksCompletedTotal == nil ||
		httpRequestsTotal == nil || processesReapedTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestTaskCounters(t *testing.T) {
	before := testutil.ToFloat64(tasksCompletedTotal.WithLabelValues("find_emails", "SUCCESS"))
	ObserveTaskSubmitted("find_emails")
	ObserveTaskCompleted("find_emails", "SUCCESS")
	ObserveTaskDuration("find_emails", 2*time.Second)
	after := testutil.ToFloat64(tasksCompletedTotal.WithLabelValues("find_emails", "SUCCESS"))
	if after-before != 1 {
		t.Fatalf("expected completed counter to advance by 1, got %f", after-before)
	}
}

func TestObserveProcessesReapedIgnoresZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(processesReapedTotal.WithLabelValues("sweep"))
	ObserveProcessesReaped("sweep", 0)
	ObserveProcessesReaped("sweep", 3)
	after := testutil.ToFloat64(processesReapedTotal.WithLabelValues("sweep"))
	if after-before != 3 {
		t.Fatalf("expected 3 reaped processes recorded, got %f", after-before)
	}
}

func TestObservePageLoadSanitizesSite(t *testing.T) {
	ObservePageLoad("https://Shop.Example.com/contact", "ok", 512)
	if val := testutil.ToFloat64(pageBytesTotal.WithLabelValues("shop.example.com")); val < 512 {
		t.Fatalf("expected bytes recorded under sanitized host, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
