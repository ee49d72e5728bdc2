package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/proof"
)

type fakePinata struct {
	mu      sync.Mutex
	pins    map[string][]byte
	corrupt bool
	auth    string
	cidFor  func([]byte) string
}

func newFakePinata(t *testing.T) (*fakePinata, *httptest.Server) {
	t.Helper()
	f := &fakePinata{pins: map[string][]byte{}}
	f.cidFor = func(b []byte) string {
		c, err := proof.RawCID(b)
		require.NoError(t, err)
		return c.String()
	}

	r := chi.NewRouter()
	r.Post("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = r.Header.Get("Authorization")
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		c := f.cidFor(data)
		f.pins[c] = data
		_ = json.NewEncoder(w).Encode(map[string]any{
			"IpfsHash":  c,
			"PinSize":   len(data),
			"Timestamp": "2025-06-01T12:00:00Z",
		})
	})
	r.Get("/ipfs/{cid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.pins[chi.URLParam(r, "cid")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.corrupt {
			data = append([]byte("x"), data...)
		}
		_, _ = w.Write(data)
	})
	r.Get("/data/pinList", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := r.URL.Query().Get("hashContains")
		resp := map[string]any{"count": 0, "rows": []any{}}
		if data, ok := f.pins[c]; ok {
			resp = map[string]any{"count": 1, "rows": []any{map[string]any{
				"ipfs_pin_hash": c,
				"size":          len(data),
				"date_pinned":   "2025-06-01T12:00:00Z",
			}}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Get("/data/testAuthentication", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestStorage(t *testing.T, srvURL string) *Storage {
	t.Helper()
	s, err := New("", Config{JWT: "token", APIURL: srvURL, GatewayURL: srvURL}, nil, nil)
	require.NoError(t, err)
	return s
}

func TestStorage_PutGet(t *testing.T) {
	f, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)
	ctx := context.Background()

	put, err := s.Put(ctx, []byte(`{"integrity":true}`), map[string]string{"kind": "integrity"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", f.auth)
	assert.True(t, strings.HasPrefix(put.URI, "ipfs://bafkrei"), put.URI)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), put.Proof.Timestamp)

	got, err := s.Get(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, `{"integrity":true}`, string(got))

	ok, err := s.Exists(ctx, put.URI)
	require.NoError(t, err)
	assert.True(t, ok)

	sp, err := s.GetProof(ctx, put.URI)
	require.NoError(t, err)
	assert.Equal(t, put.Proof.ContentHash, sp.ContentHash)
	assert.Equal(t, int64(18), sp.Size)
}

func TestStorage_GetDetectsCorruption(t *testing.T) {
	f, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)
	ctx := context.Background()

	put, err := s.Put(ctx, []byte("payload"), nil)
	require.NoError(t, err)

	f.corrupt = true
	_, err = s.Get(ctx, put.URI)
	assert.True(t, backend.IsIntegrity(err), "got %v", err)
}

func TestStorage_PutRejectsForeignCID(t *testing.T) {
	f, srv := newFakePinata(t)
	f.cidFor = func([]byte) string { return "bafkreiunexpected" }
	s := newTestStorage(t, srv.URL)

	_, err := s.Put(context.Background(), []byte("payload"), nil)
	assert.True(t, backend.IsIntegrity(err))
}

func TestStorage_NotFound(t *testing.T) {
	_, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)
	ctx := context.Background()

	c, err := proof.RawCID([]byte("never pinned"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "ipfs://"+c.String())
	assert.True(t, backend.IsNotFound(err))
	_, err = s.GetProof(ctx, "ipfs://"+c.String())
	assert.True(t, backend.IsNotFound(err))
	ok, err := s.Exists(ctx, "ipfs://"+c.String())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "0g://root")
	assert.True(t, backend.IsNotFound(err))
}

func TestStorage_RejectsOversizedContent(t *testing.T) {
	_, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)
	_, err := s.Put(context.Background(), bytes.Repeat([]byte("a"), MaxBlockSize+1), nil)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestStorage_OversizedGatewayBodyIsNotCorruption(t *testing.T) {
	f, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)

	big := bytes.Repeat([]byte("b"), MaxBlockSize+512)
	c := f.cidFor(big)
	f.mu.Lock()
	f.pins[c] = big
	f.mu.Unlock()

	_, err := s.Get(context.Background(), "ipfs://"+c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
	assert.False(t, backend.IsIntegrity(err))
}

func TestStorage_HealthAndConfig(t *testing.T) {
	_, srv := newFakePinata(t)
	s := newTestStorage(t, srv.URL)
	assert.NoError(t, s.Health(context.Background()))

	_, err := New("", Config{}, nil, nil)
	assert.Error(t, err)

	b, err := NewFromSettings(context.Background(), "ipfs", map[string]any{"jwt": "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, b.(*Storage).apiURL)
	assert.Equal(t, "ipfs", b.Name())
}
