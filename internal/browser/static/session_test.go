package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlic/internal/browser"
)

func TestSessionNavigateAndRead(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>" + r.URL.Path + "</p><i>" + r.Header.Get("DNT") + "|" +
			r.UserAgent() + "</i></body></html>"))
	}))
	defer srv.Close()

	opts := browser.DefaultOptions()
	opts.UserAgent = "test-agent"
	s, err := NewOpener().Open(context.Background(), opts)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	require.NoError(t, s.Navigate(ctx, srv.URL+"/first"))
	markup, err := s.CurrentMarkup(ctx)
	require.NoError(t, err)
	require.Contains(t, markup, "<p>/first</p>")
	require.Contains(t, markup, "<i>1|test-agent</i>")

	require.NoError(t, s.Navigate(ctx, srv.URL+"/first"))
	require.Empty(t, s.PIDs())
	require.ErrorIs(t, s.Evaluate(ctx, "1+1", nil), browser.ErrUnsupported)
}

func TestSessionNavigateErrorKeepsPreviousPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<p>home</p>"))
	}))
	defer srv.Close()

	s, err := NewOpener().Open(context.Background(), browser.Options{DisableCookies: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Navigate(ctx, srv.URL+"/"))
	err = s.Navigate(ctx, srv.URL+"/missing")
	require.ErrorIs(t, err, browser.ErrNavigation)

	markup, err := s.CurrentMarkup(ctx)
	require.NoError(t, err)
	require.Equal(t, "<p>home</p>", markup)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Navigate(ctx, srv.URL+"/"), browser.ErrSession)
}

func TestOpenWithProxy(t *testing.T) {
	t.Parallel()

	opts := browser.DefaultOptions()
	opts.Proxy = &browser.Proxy{Host: "127.0.0.1", Port: "9", Username: "u", Password: "p"}
	s, err := NewOpener().Open(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
