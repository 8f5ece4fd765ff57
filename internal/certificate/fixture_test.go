package certificate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content/contenttest"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger/ledgertest"
)

const testConfirmTimeout = 100 * time.Millisecond

type fixture struct {
	db      *SqliteStore
	net     *ledgertest.Network
	wallet  *ledgertest.Wallet
	client  *ledger.Client
	content *contenttest.Store
	service *Service
	changes int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := NewSqliteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:      db,
		net:     ledgertest.NewNetwork(),
		wallet:  ledgertest.NewWallet(),
		content: contenttest.NewStore(),
	}
	f.client = ledger.NewClient(f.net, f.wallet, ledger.WithConfirmTimeout(testConfirmTimeout))
	f.service = NewService(db, f.client, f.content)
	f.service.OnChange(func() { f.changes++ })
	return f
}

func mustHash(t *testing.T, s string) ledger.Hash {
	t.Helper()
	h, err := ledger.ParseHash(s)
	require.NoError(t, err)
	return h
}

func samplePayload() Payload {
	return Payload{
		Participant: Participant{
			Name:              "Ada Lovelace",
			ParticipantNumber: "P-0001",
			Email:             "ada@example.com",
			DateOfBirth:       "1990-12-10",
		},
		Session: Session{
			SessionID: "S-2024-05",
			TestType:  "TOEFL ITP",
			TestDate:  "2024-05-01",
			Location:  "Jakarta",
		},
		Scores: Scores{Listening: 55, Structure: 52, Reading: 50},
		Total:  523,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
