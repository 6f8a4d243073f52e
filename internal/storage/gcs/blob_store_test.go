package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var path, name, generation, body string
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		name = r.URL.Query().Get("name")
		generation = r.URL.Query().Get("ifGenerationMatch")
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		fmt.Fprintln(w, `{"name":"pages/ab/abcd.html","bucket":"snapshots"}`)
	}))

	uri, err := store.PutObject(context.Background(), "pages/ab/abcd.html", "text/html", []byte("<html>snap</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pages/ab/abcd.html", uri)
	require.Contains(t, path, "/upload/storage/v1/b/snapshots/o")
	require.Contains(t, name+body, "pages/ab/abcd.html")
	require.Equal(t, "0", generation)
	require.Contains(t, body, "<html>snap</html>")
}

func TestPutObjectExistingObjectIsNotAnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}))

	uri, err := store.PutObject(context.Background(), "pages/ab/abcd.html", "text/html", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pages/ab/abcd.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := store.PutObject(context.Background(), "pages/x.html", "text/html", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", []byte("x"))
	require.ErrorContains(t, err, "path is required")
}
