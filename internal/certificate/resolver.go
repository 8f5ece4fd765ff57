package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

// ErrLedgerUnavailable is returned when the ledger could not be consulted
// at all, so neither a positive nor a negative answer can be given.
var ErrLedgerUnavailable = errors.New("certificate: ledger unavailable")

// OutcomeStatus is the result of a verification.
type OutcomeStatus string

const (
	OutcomeVerified           OutcomeStatus = "verified"
	OutcomeNotFound           OutcomeStatus = "not_found"
	OutcomePayloadUnavailable OutcomeStatus = "payload_unavailable"
)

// Outcome is what a scanned certificate hash resolves to.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Hash      string        `json:"hash"`
	ContentID string        `json:"contentId,omitempty"`
	Payload   *Payload      `json:"payload,omitempty"`
}

// Verified reports whether the certificate was found and its content read.
func (o Outcome) Verified() bool {
	return o.Status == OutcomeVerified
}

// RecordReader is the read side of the ledger.
type RecordReader interface {
	Get(ctx context.Context, hash ledger.Hash) (string, error)
}

// Resolver turns certificate hashes into verification outcomes.
type Resolver struct {
	ledger  RecordReader
	fetcher content.Fetcher
}

func NewResolver(reader RecordReader, fetcher content.Fetcher) *Resolver {
	return &Resolver{ledger: reader, fetcher: fetcher}
}

// Resolve looks hash up on the ledger and loads the certificate it points
// to. A record whose content cannot be fetched or parsed still proves the
// certificate was issued and resolves to OutcomePayloadUnavailable.
func (r *Resolver) Resolve(ctx context.Context, hash ledger.Hash) (Outcome, error) {
	out := Outcome{Hash: hash.Hex()}

	contentID, err := r.ledger.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			out.Status = OutcomeNotFound
			return out, nil
		}
		slog.Error("ledger lookup failed", "hash", out.Hash, "err", err)
		return Outcome{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	out.ContentID = contentID

	payload, err := r.load(ctx, contentID)
	if err != nil {
		slog.Warn("certificate content unavailable", "hash", out.Hash, "cid", contentID, "err", err)
		out.Status = OutcomePayloadUnavailable
		return out, nil
	}

	out.Status = OutcomeVerified
	out.Payload = payload
	return out, nil
}

func (r *Resolver) load(ctx context.Context, contentID string) (*Payload, error) {
	if r.fetcher == nil {
		return nil, errors.New("no content fetcher configured")
	}
	data, err := r.fetcher.Fetch(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return ParsePayload(data)
}

// ParsePayload decodes a certificate document. The document must be a
// single JSON object with no unknown fields that passes ValidatePayload.
func ParsePayload(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p *Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse certificate payload: %w", err)
	}
	if p == nil {
		return nil, errors.New("parse certificate payload: not an object")
	}
	if dec.More() {
		return nil, errors.New("parse certificate payload: trailing data")
	}
	if err := ValidatePayload(*p); err != nil {
		return nil, fmt.Errorf("parse certificate payload: %w", err)
	}
	return p, nil
}
