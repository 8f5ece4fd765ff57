package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
	"github.com/gateway-fm/toefl-cert-ledger/internal/metrics"
)

var ErrIssuancePaused = errors.New("certificate: issuance stopped by kill switch")

// abandonAfter is how long an unconfirmed write is watched before the
// reconciler gives up on it.
const abandonAfter = time.Hour

// Db defines the interface for database operations.
type Db interface {
	Init() error
	Close() error
	CreateSubmission(sub Submission) error
	UpdateSubmission(sub Submission) error
	GetSubmissions() ([]Submission, error)
	GetSubmissionsByHash(hash string) ([]Submission, error)
	GetUnsettledSubmissions() ([]Submission, error)
	CountUnsettledSubmissions() (int, error)
	GetConfigValue(key string) (string, error)
	SetConfigValue(key, value string) error
	GetCredential(key string) (string, error)
	SetCredential(key, value string) error
	GetIssuanceStatus() (bool, error)
	SetIssuanceStatus(isActive bool) error
	RecordKillSwitchAttempt(attemptType string) error
	GetRecentKillSwitchAttempts(attemptType string, duration time.Duration) (int, error)
	CleanupOldKillSwitchAttempts(olderThan time.Duration) error
}

// Ledger is the record store as seen by the service.
type Ledger interface {
	RecordReader
	Store(ctx context.Context, hash ledger.Hash, contentID string) (ledger.Receipt, error)
	Address(ctx context.Context) (common.Address, error)
}

// ContentStore reads and publishes certificate documents.
type ContentStore interface {
	content.Fetcher
	content.Publisher
}

// Service handles the business logic for certificates.
type Service struct {
	db       Db
	ledger   Ledger
	content  ContentStore
	resolver *Resolver
	onChange func()
}

// NewService creates a new certificate service.
func NewService(db Db, l Ledger, store ContentStore) *Service {
	return &Service{
		db:       db,
		ledger:   l,
		content:  store,
		resolver: NewResolver(l, store),
		onChange: func() {},
	}
}

// OnChange registers a callback run after the journal or issuance status
// changes.
func (s *Service) OnChange(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	s.onChange = fn
}

// Resolve verifies a certificate hash.
func (s *Service) Resolve(ctx context.Context, hash ledger.Hash) (Outcome, error) {
	out, err := s.resolver.Resolve(ctx, hash)
	if err != nil {
		metrics.ObserveResolve("error")
		return out, err
	}
	metrics.ObserveResolve(string(out.Status))
	return out, nil
}

// GetRecord reads the raw ledger record for hash.
func (s *Service) GetRecord(ctx context.Context, hash ledger.Hash) (string, error) {
	return s.ledger.Get(ctx, hash)
}

// Issue publishes a scored certificate and records it on the ledger. The
// certificate hash is derived from the published bytes and the issuing
// account.
func (s *Service) Issue(ctx context.Context, p Payload) (Submission, error) {
	if err := s.checkIssuanceActive(); err != nil {
		return Submission{}, err
	}
	if err := ValidatePayload(p); err != nil {
		return Submission{}, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to encode certificate: %w", err)
	}
	issuer, err := s.ledger.Address(ctx)
	if err != nil {
		return Submission{}, err
	}
	contentID, err := s.content.Publish(ctx, data)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to publish certificate: %w", err)
	}

	hash := ledger.DeriveHash(data, issuer)
	slog.Info("issuing certificate", "hash", hash.Hex(), "cid", contentID, "issuer", issuer.Hex(), "participant", p.Participant.ParticipantNumber)
	return s.store(ctx, hash, contentID)
}

// StoreRecord records an already published certificate.
func (s *Service) StoreRecord(ctx context.Context, hash ledger.Hash, contentID string) (Submission, error) {
	if err := s.checkIssuanceActive(); err != nil {
		return Submission{}, err
	}
	id, err := content.ParseCID(contentID)
	if err != nil {
		return Submission{}, err
	}
	return s.store(ctx, hash, id.String())
}

func (s *Service) checkIssuanceActive() error {
	active, err := s.db.GetIssuanceStatus()
	if err != nil {
		return fmt.Errorf("failed to read issuance status: %w", err)
	}
	if !active {
		return ErrIssuancePaused
	}
	return nil
}

func (s *Service) store(ctx context.Context, hash ledger.Hash, contentID string) (Submission, error) {
	prior, err := s.db.GetSubmissionsByHash(hash.Hex())
	if err != nil {
		return Submission{}, err
	}

	now := time.Now()
	sub := Submission{
		ID:        uuid.NewString(),
		Hash:      hash.Hex(),
		ContentID: contentID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateSubmission(sub); err != nil {
		return Submission{}, err
	}
	defer s.onChange()

	receipt, storeErr := s.ledger.Store(ctx, hash, contentID)
	tx, submitted := ledger.TxHashOf(storeErr)
	if submitted {
		sub.TxHash = tx.Hex()
	}
	switch {
	case storeErr == nil:
		sub.Status = StatusConfirmed
		sub.TxHash = receipt.TransactionID.Hex()
		sub.Confirmations = receipt.Confirmations
	case errors.Is(storeErr, ledger.ErrDuplicateRecord):
		if earlier, ok := s.earlierAttemptLanded(context.WithoutCancel(ctx), hash, contentID, prior); ok {
			slog.Info("record already stored by an earlier attempt", "hash", sub.Hash, "cid", contentID, "earlier", earlier.ID)
			sub.Status = StatusConfirmed
			sub.TxHash = earlier.TxHash
			sub.Confirmations = earlier.Confirmations
			storeErr = nil
			break
		}
		sub.Status = StatusFailed
		sub.Error = storeErr.Error()
	case errors.Is(storeErr, ledger.ErrTimeout), submitted && !errors.Is(storeErr, ledger.ErrReverted):
		// broadcast but unresolved: leave it to the reconciler
		sub.Status = StatusTimeout
		sub.Error = storeErr.Error()
	default:
		sub.Status = StatusFailed
		sub.Error = storeErr.Error()
	}

	sub.UpdatedAt = time.Now()
	metrics.ObserveStore(string(sub.Status), sub.UpdatedAt.Sub(now).Seconds())
	if err := s.db.UpdateSubmission(sub); err != nil {
		slog.Error("failed to journal submission outcome", "submission", sub.ID, "status", sub.Status, "err", err)
	}
	if storeErr != nil {
		return sub, storeErr
	}
	return sub, nil
}

// earlierAttemptLanded reports whether a duplicate rejection is our own
// earlier write: the journal holds a submitted transaction for the same
// content id and the ledger holds that content id. Such earlier attempts are marked
// confirmed.
func (s *Service) earlierAttemptLanded(ctx context.Context, hash ledger.Hash, contentID string, prior []Submission) (Submission, bool) {
	var match *Submission
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].ContentID == contentID && prior[i].TxHash != "" {
			match = &prior[i]
			break
		}
	}
	if match == nil {
		return Submission{}, false
	}
	stored, err := s.ledger.Get(ctx, hash)
	if err != nil || stored != contentID {
		return Submission{}, false
	}
	if match.Status != StatusConfirmed {
		match.Status = StatusConfirmed
		match.Error = ""
		match.UpdatedAt = time.Now()
		if err := s.db.UpdateSubmission(*match); err != nil {
			slog.Error("failed to settle earlier submission", "submission", match.ID, "err", err)
		}
	}
	return *match, true
}

// Reconcile settles pending and timed out submissions against the ledger.
func (s *Service) Reconcile(ctx context.Context) {
	subs, err := s.db.GetUnsettledSubmissions()
	if err != nil {
		slog.Error("error getting unsettled submissions", "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	slog.Info("reconciling submissions", "count", len(subs))

	changed := false
	for _, sub := range subs {
		hash, err := ledger.ParseHash(sub.Hash)
		if err != nil {
			slog.Error("invalid hash in journal", "submission", sub.ID, "err", err)
			continue
		}
		stored, err := s.ledger.Get(ctx, hash)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			if time.Since(sub.CreatedAt) < abandonAfter {
				continue
			}
			sub.Status = StatusFailed
			sub.Error = "not observed on ledger after " + abandonAfter.String()
		case err != nil:
			slog.Error("error reading ledger during reconciliation", "submission", sub.ID, "err", err)
			continue
		case stored == sub.ContentID:
			sub.Status = StatusConfirmed
			sub.Error = ""
		default:
			sub.Status = StatusConflict
			sub.Error = fmt.Sprintf("ledger holds %s", stored)
		}
		sub.UpdatedAt = time.Now()
		if err := s.db.UpdateSubmission(sub); err != nil {
			slog.Error("error updating submission", "submission", sub.ID, "err", err)
			continue
		}
		changed = true
		slog.Info("submission settled", "submission", sub.ID, "hash", sub.Hash, "status", sub.Status)
	}
	if changed {
		s.onChange()
	}
}

// GetSubmissions retrieves all journaled submissions.
func (s *Service) GetSubmissions() ([]Submission, error) {
	return s.db.GetSubmissions()
}

// CountUnsettled counts submissions awaiting reconciliation.
func (s *Service) CountUnsettled() (int, error) {
	return s.db.CountUnsettledSubmissions()
}

// IssuanceActive reports whether the kill switch leaves issuance enabled.
func (s *Service) IssuanceActive() (bool, error) {
	return s.db.GetIssuanceStatus()
}

// GetConfigValue retrieves a configuration value.
func (s *Service) GetConfigValue(key string) (string, error) {
	return s.db.GetConfigValue(key)
}
