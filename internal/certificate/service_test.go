package certificate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

func rawCID(t *testing.T, data string) string {
	t.Helper()
	id, err := content.RawCID([]byte(data))
	require.NoError(t, err)
	return id.String()
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := samplePayload()

	sub, err := f.service.Issue(ctx, p)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, sub.Status)
	require.NotEmpty(t, sub.TxHash)
	require.Equal(t, uint64(1), sub.Confirmations)

	// the hash commits to the published bytes and the issuer
	want := ledger.DeriveHash(mustJSON(t, p), f.wallet.Address())
	require.Equal(t, want.Hex(), sub.Hash)
	stored, ok := f.net.Record(want)
	require.True(t, ok)
	require.Equal(t, sub.ContentID, stored)

	out, err := f.service.Resolve(ctx, want)
	require.NoError(t, err)
	require.Equal(t, OutcomeVerified, out.Status)
	require.Equal(t, &p, out.Payload)

	subs, err := f.service.GetSubmissions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, StatusConfirmed, subs[0].Status)
	require.Equal(t, 1, f.changes)
}

func TestIssueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	p := samplePayload()
	p.Total = 600

	_, err := f.service.Issue(context.Background(), p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	subs, err := f.service.GetSubmissions()
	require.NoError(t, err)
	require.Empty(t, subs, "nothing journaled for invalid payloads")
}

func TestIssuePausedByKillSwitch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.SetIssuanceStatus(false))

	_, err := f.service.Issue(context.Background(), samplePayload())
	require.ErrorIs(t, err, ErrIssuancePaused)
	_, err = f.service.StoreRecord(context.Background(), mustHash(t, "abc123"), rawCID(t, "x"))
	require.ErrorIs(t, err, ErrIssuancePaused)
}

func TestIssueWithoutSigner(t *testing.T) {
	f := newFixture(t)
	f.wallet.Unavailable = true

	_, err := f.service.Issue(context.Background(), samplePayload())
	require.ErrorIs(t, err, ledger.ErrSignerUnavailable)
}

func TestStoreRecordRejectsInvalidContentID(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.StoreRecord(context.Background(), mustHash(t, "abc123"), "Qm111")
	require.ErrorIs(t, err, content.ErrInvalidCID)
}

func TestStoreRecordDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := mustHash(t, "abc123")
	first, second := rawCID(t, "first"), rawCID(t, "second")

	sub, err := f.service.StoreRecord(ctx, hash, first)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, sub.Status)

	sub, err = f.service.StoreRecord(ctx, hash, second)
	require.ErrorIs(t, err, ledger.ErrDuplicateRecord)
	require.Equal(t, StatusFailed, sub.Status)

	got, err := f.service.GetRecord(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, first, got)
}

func TestStoreRecordDuplicateWithoutPriorAttempt(t *testing.T) {
	f := newFixture(t)
	hash := mustHash(t, "abc123")
	cid := rawCID(t, "first")
	// stored by someone else with the same value; we never sent it
	f.net.Put(hash, cid)

	_, err := f.service.StoreRecord(context.Background(), hash, cid)
	require.ErrorIs(t, err, ledger.ErrDuplicateRecord)
}

func TestStoreRecordRetryAfterTimeout(t *testing.T) {
	f := newFixture(t)
	hash := mustHash(t, "abc123")
	cid := rawCID(t, "certificate")

	f.net.Stall = true
	sub, err := f.service.StoreRecord(context.Background(), hash, cid)
	require.ErrorIs(t, err, ledger.ErrTimeout)
	require.Equal(t, StatusTimeout, sub.Status)
	require.NotEmpty(t, sub.TxHash)

	// the timed out write lands after the caller gave up
	f.net.Stall = false
	f.net.Mine()

	retry, err := f.service.StoreRecord(context.Background(), hash, cid)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, retry.Status)
	require.Equal(t, sub.TxHash, retry.TxHash)

	subs, err := f.db.GetSubmissionsByHash(hash.Hex())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, s := range subs {
		require.Equal(t, StatusConfirmed, s.Status)
	}
}

func TestStoreRecordCallerCancelledAfterSubmission(t *testing.T) {
	f := newFixture(t)
	hash := mustHash(t, "abc123")
	cid := rawCID(t, "certificate")

	f.net.Stall = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	sub, err := f.service.StoreRecord(ctx, hash, cid)
	require.ErrorIs(t, err, ledger.ErrTimeout)
	require.Equal(t, StatusTimeout, sub.Status)
	require.NotEmpty(t, sub.TxHash)

	journaled, err := f.db.GetSubmissionsByHash(hash.Hex())
	require.NoError(t, err)
	require.Len(t, journaled, 1)
	require.Equal(t, StatusTimeout, journaled[0].Status)
	require.Equal(t, sub.TxHash, journaled[0].TxHash)

	f.net.Stall = false
	f.net.Mine()
	f.service.Reconcile(context.Background())

	journaled, err = f.db.GetSubmissionsByHash(hash.Hex())
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, journaled[0].Status)

	retry, err := f.service.StoreRecord(context.Background(), hash, cid)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, retry.Status)
	require.Equal(t, sub.TxHash, retry.TxHash)
}

// unknownOutcomeLedger fails every store after the transaction was sent.
type unknownOutcomeLedger struct {
	*ledger.Client
	err error
}

func (l unknownOutcomeLedger) Store(context.Context, ledger.Hash, string) (ledger.Receipt, error) {
	return ledger.Receipt{}, l.err
}

func TestStoreRecordJournalsTxHashOnEveryOutcome(t *testing.T) {
	tx := common.HexToHash("0x01")
	tests := map[string]struct {
		err    error
		status SubmissionStatus
	}{
		"cancelled wait": {
			err:    &ledger.TxError{Err: context.Canceled, TxHash: tx},
			status: StatusTimeout,
		},
		"node error while waiting": {
			err:    &ledger.TxError{Err: errors.New("ledger: node error: header not found"), TxHash: tx},
			status: StatusTimeout,
		},
		"reverted": {
			err:    &ledger.TxError{Err: ledger.ErrReverted, TxHash: tx},
			status: StatusFailed,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			svc := NewService(f.db, unknownOutcomeLedger{Client: f.client, err: tt.err}, f.content)
			hash := mustHash(t, "abc123")

			sub, err := svc.StoreRecord(context.Background(), hash, rawCID(t, "certificate"))
			require.Error(t, err)
			require.Equal(t, tt.status, sub.Status)
			require.Equal(t, tx.Hex(), sub.TxHash)

			journaled, err := f.db.GetSubmissionsByHash(hash.Hex())
			require.NoError(t, err)
			require.Len(t, journaled, 1)
			require.Equal(t, tt.status, journaled[0].Status)
			require.Equal(t, tx.Hex(), journaled[0].TxHash)
		})
	}
}

func TestStoreRecordFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{"rejected", func(f *fixture) { f.wallet.Reject = true }, ledger.ErrRejected},
		{"insufficient funds", func(f *fixture) {
			f.net.WriteErr = errors.New("insufficient funds for gas * price + value")
		}, ledger.ErrInsufficientResources},
		{"misconfigured", func(f *fixture) { f.net.Misconfigured = true }, ledger.ErrMisconfiguredEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			sub, err := f.service.StoreRecord(context.Background(), mustHash(t, "abc123"), rawCID(t, "x"))
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, StatusFailed, sub.Status)
			require.NotEmpty(t, sub.Error)

			n, err := f.service.CountUnsettled()
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	landed := Submission{ID: "landed", Hash: mustHash(t, "landed").Hex(), ContentID: rawCID(t, "a"), Status: StatusTimeout, CreatedAt: now, UpdatedAt: now}
	lost := Submission{ID: "lost", Hash: mustHash(t, "lost").Hex(), ContentID: rawCID(t, "b"), Status: StatusTimeout, CreatedAt: now, UpdatedAt: now}
	contested := Submission{ID: "contested", Hash: mustHash(t, "contested").Hex(), ContentID: rawCID(t, "c"), Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	abandoned := Submission{ID: "abandoned", Hash: mustHash(t, "abandoned").Hex(), ContentID: rawCID(t, "d"), Status: StatusTimeout, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)}
	for _, sub := range []Submission{landed, lost, contested, abandoned} {
		require.NoError(t, f.db.CreateSubmission(sub))
	}
	f.net.Put(mustHash(t, "landed"), landed.ContentID)
	f.net.Put(mustHash(t, "contested"), rawCID(t, "someone else"))

	f.service.Reconcile(ctx)

	status := map[string]SubmissionStatus{}
	subs, err := f.service.GetSubmissions()
	require.NoError(t, err)
	for _, s := range subs {
		status[s.ID] = s.Status
	}
	require.Equal(t, StatusConfirmed, status["landed"])
	require.Equal(t, StatusTimeout, status["lost"], "still inside the watch window")
	require.Equal(t, StatusConflict, status["contested"])
	require.Equal(t, StatusFailed, status["abandoned"])
	require.Equal(t, 1, f.changes)

	n, err := f.service.CountUnsettled()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReconcileSkipsWhenLedgerDown(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.db.CreateSubmission(Submission{ID: "a", Hash: mustHash(t, "a").Hex(), ContentID: rawCID(t, "a"), Status: StatusTimeout, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now}))
	f.net.ReadErr = errors.New("dial tcp 10.0.0.1:8545: connection refused")

	f.service.Reconcile(context.Background())

	n, err := f.service.CountUnsettled()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, f.changes)
}

func TestSchedulerRunsReconcile(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	hash := mustHash(t, "landed")
	cid := rawCID(t, "a")
	require.NoError(t, f.db.CreateSubmission(Submission{ID: "a", Hash: hash.Hex(), ContentID: cid, Status: StatusTimeout, CreatedAt: now, UpdatedAt: now}))
	f.net.Put(hash, cid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler, err := NewScheduler(ctx, f.service, 20*time.Millisecond)
	require.NoError(t, err)
	go scheduler.Start()

	require.Eventually(t, func() bool {
		n, err := f.service.CountUnsettled()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
