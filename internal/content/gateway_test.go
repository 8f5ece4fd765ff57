package content

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const payload = `{"participant":{"name":"Ada"},"total":550}`

func newGatewayServer(t *testing.T, objects map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ipfs/{cid}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := objects[r.PathValue("cid")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("POST /api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("cid-version"))
		require.Equal(t, "true", r.URL.Query().Get("raw-leaves"))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		id, err := RawCID(data)
		require.NoError(t, err)
		objects[id.String()] = data
		_ = json.NewEncoder(w).Encode(addResponse{Name: "certificate.json", Hash: id.String(), Size: "1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayPublishThenFetch(t *testing.T) {
	srv := newGatewayServer(t, map[string][]byte{})
	gw := NewGateway(srv.URL, srv.URL, 5*time.Second)

	id, err := gw.Publish(context.Background(), []byte(payload))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "bafkrei"), id)

	got, err := gw.Fetch(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
}

func TestGatewayFetchErrors(t *testing.T) {
	good, err := RawCID([]byte(payload))
	require.NoError(t, err)
	missing, err := RawCID([]byte("missing"))
	require.NoError(t, err)

	srv := newGatewayServer(t, map[string][]byte{
		good.String(): []byte("tampered"),
	})
	gw := NewGateway(srv.URL, "", 5*time.Second)

	tests := map[string]struct {
		cid  string
		want error
	}{
		"invalid cid":  {cid: "Qm111", want: ErrInvalidCID},
		"not found":    {cid: missing.String(), want: ErrNotFound},
		"cid mismatch": {cid: good.String(), want: ErrCIDMismatch},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := gw.Fetch(context.Background(), test.cid)
			require.ErrorIs(t, err, test.want)
		})
	}
}

func TestGatewayFetchTooLarge(t *testing.T) {
	// dag-pb CIDs are not re-hashed, so any v0 id will do
	const v0 = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	srv := newGatewayServer(t, map[string][]byte{
		v0: make([]byte, MaxObjectSize+10),
	})
	gw := NewGateway(srv.URL, "", 5*time.Second)
	_, err := gw.Fetch(context.Background(), v0)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestGatewayPublishUnconfigured(t *testing.T) {
	_, err := NewGateway("http://127.0.0.1:1", "", time.Second).Publish(context.Background(), []byte(payload))
	require.Error(t, err)
}

func TestVerifyRawCID(t *testing.T) {
	id, err := RawCID([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, Verify(id, []byte(payload)))
	require.ErrorIs(t, Verify(id, []byte("other")), ErrCIDMismatch)

	parsed, err := ParseCID(" " + id.String() + " ")
	require.NoError(t, err)
	require.True(t, parsed.Equals(id))
}
