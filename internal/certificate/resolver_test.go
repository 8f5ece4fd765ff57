package certificate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content/contenttest"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger/ledgertest"
)

func TestResolveVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	want := samplePayload()
	cid, err := f.content.Publish(ctx, mustJSON(t, want))
	require.NoError(t, err)
	hash := mustHash(t, "cert-1")
	f.net.Put(hash, cid)

	out, err := NewResolver(f.client, f.content).Resolve(ctx, hash)
	require.NoError(t, err)
	require.True(t, out.Verified())
	require.Equal(t, OutcomeVerified, out.Status)
	require.Equal(t, hash.Hex(), out.Hash)
	require.Equal(t, cid, out.ContentID)
	require.Equal(t, &want, out.Payload)
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t)

	out, err := NewResolver(f.client, f.content).Resolve(context.Background(), mustHash(t, "unknown999"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, out.Status)
	require.False(t, out.Verified())
	require.Empty(t, out.ContentID)
	require.Nil(t, out.Payload)
}

func TestResolvePayloadUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, hash ledger.Hash)
	}{
		{
			name: "content missing",
			setup: func(f *fixture, hash ledger.Hash) {
				f.net.Put(hash, "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku")
			},
		},
		{
			name: "gateway unreachable",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", mustJSON(t, samplePayload()))
				f.content.FetchErr = contenttest.ErrUnreachable
				f.net.Put(hash, "Qm111")
			},
		},
		{
			name: "content not a certificate",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", []byte("<html>gateway error</html>"))
				f.net.Put(hash, "Qm111")
			},
		},
		{
			name: "trailing data",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", append(mustJSON(t, samplePayload()), []byte(`{"extra":true}`)...))
				f.net.Put(hash, "Qm111")
			},
		},
		{
			name: "null document",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", []byte("null"))
				f.net.Put(hash, "Qm111")
			},
		},
		{
			name: "empty object",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", []byte("{}"))
				f.net.Put(hash, "Qm111")
			},
		},
		{
			name: "unrelated object",
			setup: func(f *fixture, hash ledger.Hash) {
				f.content.PutAt("Qm111", []byte(`{"foo":"bar"}`))
				f.net.Put(hash, "Qm111")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			hash := mustHash(t, "abc123")
			tt.setup(f, hash)

			out, err := NewResolver(f.client, f.content).Resolve(context.Background(), hash)
			require.NoError(t, err)
			require.Equal(t, OutcomePayloadUnavailable, out.Status)
			require.NotEmpty(t, out.ContentID)
			require.Nil(t, out.Payload)
		})
	}
}

func TestResolveWithoutFetcher(t *testing.T) {
	f := newFixture(t)
	hash := mustHash(t, "abc123")
	f.net.Put(hash, "Qm111")

	out, err := NewResolver(f.client, nil).Resolve(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, OutcomePayloadUnavailable, out.Status)
}

func TestResolveLedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.net.ReadErr = errors.New("dial tcp 10.0.0.1:8545: connection refused")

	_, err := NewResolver(f.client, f.content).Resolve(context.Background(), mustHash(t, "abc123"))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

// The canonical walk-through: a record is stored, read back, protected
// against overwrite, and an unknown hash is reported as not found.
func TestLedgerScenario(t *testing.T) {
	ctx := context.Background()
	net := ledgertest.NewNetwork()
	client := ledger.NewClient(net, ledgertest.NewWallet())
	resolver := NewResolver(client, contenttest.NewStore())

	hash := mustHash(t, "abc123")
	_, err := client.Store(ctx, hash, "Qm111")
	require.NoError(t, err)

	got, err := client.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "Qm111", got)

	_, err = client.Store(ctx, hash, "Qm222")
	require.ErrorIs(t, err, ledger.ErrDuplicateRecord)
	got, err = client.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "Qm111", got)

	out, err := resolver.Resolve(ctx, mustHash(t, "unknown999"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, out.Status)

	out, err = resolver.Resolve(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, OutcomePayloadUnavailable, out.Status)
	require.Equal(t, "Qm111", out.ContentID)
}

func TestParsePayload(t *testing.T) {
	want := samplePayload()
	got, err := ParsePayload(mustJSON(t, want))
	require.NoError(t, err)
	require.Equal(t, &want, got)

	_, err = ParsePayload([]byte("not json"))
	require.Error(t, err)

	_, err = ParsePayload(append(mustJSON(t, want), '1'))
	require.Error(t, err)

	for _, doc := range []string{"null", " null ", "{}", `{"foo":"bar"}`, "[]"} {
		_, err = ParsePayload([]byte(doc))
		require.Error(t, err, doc)
	}

	incomplete := samplePayload()
	incomplete.Participant.Name = ""
	_, err = ParsePayload(mustJSON(t, incomplete))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "Payload.participant.name")
}
