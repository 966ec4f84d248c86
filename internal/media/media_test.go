package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfakeimage")

func TestIsImage(t *testing.T) {
	require.True(t, IsImage("image/png"))
	require.True(t, IsImage("image/jpeg; charset=binary"))
	require.False(t, IsImage("application/pdf"))
	require.False(t, IsImage(""))
}

func TestFetch_UnsupportedMediaSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 0)
	_, err := f.Fetch(context.Background(), Ref{URL: srv.URL, MediaType: "application/pdf"})

	var unsupported *UnsupportedMediaError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "application/pdf", unsupported.MediaType)
	require.Zero(t, hits.Load())
}

func TestFetch_WithLocatorHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 0)
	f.Register("slack", LocatorFunc(func(ctx context.Context, ref Ref) (Location, error) {
		return Location{URL: srv.URL + "/" + ref.FileID, Header: http.Header{"Authorization": {"Bearer xoxb"}}}, nil
	}))

	m, err := f.Fetch(context.Background(), Ref{Channel: "slack", FileID: "F1", MediaType: "image/png"})
	require.NoError(t, err)
	require.Equal(t, pngBytes, m.Data)
	require.Equal(t, "image/png", m.MediaType)
	require.NotEmpty(t, m.Base64())
}

func TestFetch_ServerContentTypeWinsWhenImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	m, err := NewFetcher(srv.Client(), 0).Fetch(context.Background(), Ref{URL: srv.URL, MediaType: "image/jpeg"})
	require.NoError(t, err)
	require.Equal(t, "image/webp", m.MediaType)
}

func TestFetch_NonImageContentTypeIsRetrievalError(t *testing.T) {
	cases := map[string]string{
		"login page": "text/html; charset=utf-8",
		"json error": "application/json",
		"malformed":  "image/",
	}
	for name, contentType := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", contentType)
				_, _ = w.Write([]byte("<html>Sign in to Slack</html>"))
			}))
			defer srv.Close()

			_, err := NewFetcher(srv.Client(), 0).Fetch(context.Background(), Ref{URL: srv.URL, MediaType: "image/png"})
			var re *RetrievalError
			require.ErrorAs(t, err, &re)
			require.Contains(t, err.Error(), "unexpected content type")
		})
	}
}

func TestFetch_RetrievalErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			_, _ = w.Write(make([]byte, 64))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	var retrieval *RetrievalError

	_, err := NewFetcher(srv.Client(), 0).Fetch(ctx, Ref{URL: srv.URL + "/missing", MediaType: "image/png"})
	require.ErrorAs(t, err, &retrieval)
	require.Contains(t, err.Error(), "404")

	_, err = NewFetcher(srv.Client(), 16).Fetch(ctx, Ref{URL: srv.URL + "/big", MediaType: "image/png"})
	require.ErrorAs(t, err, &retrieval)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = NewFetcher(srv.Client(), 0).Fetch(ctx, Ref{Channel: "matrix", MediaType: "image/png"})
	require.ErrorAs(t, err, &retrieval)

	f := NewFetcher(srv.Client(), 0)
	f.Register("telegram", LocatorFunc(func(context.Context, Ref) (Location, error) {
		return Location{}, errors.New("getFile: ok=false")
	}))
	_, err = f.Fetch(ctx, Ref{Channel: "telegram", FileID: "x", MediaType: "image/jpeg"})
	require.ErrorAs(t, err, &retrieval)
	require.Contains(t, err.Error(), "getFile")
}

func TestFetch_ContextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFetcher(srv.Client(), 0).Fetch(ctx, Ref{URL: srv.URL, MediaType: "image/png"})
	var retrieval *RetrievalError
	require.ErrorAs(t, err, &retrieval)
	require.ErrorIs(t, err, context.Canceled)
}
