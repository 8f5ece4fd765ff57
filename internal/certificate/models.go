package certificate

import (
	"time"
)

// Participant identifies the test taker.
type Participant struct {
	Name              string `json:"name" validate:"notblank"`
	ParticipantNumber string `json:"participantNumber" validate:"notblank"`
	Email             string `json:"email,omitempty" validate:"omitempty,email"`
	DateOfBirth       string `json:"dateOfBirth,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// Session describes the sitting the scores were earned in.
type Session struct {
	SessionID string `json:"sessionId" validate:"notblank"`
	TestType  string `json:"testType" validate:"notblank"`
	TestDate  string `json:"testDate" validate:"required,datetime=2006-01-02"`
	Location  string `json:"location,omitempty"`
}

// Scores holds the three section scores.
type Scores struct {
	Listening int `json:"listening" validate:"min=31,max=68"`
	Structure int `json:"structure" validate:"min=31,max=68"`
	Reading   int `json:"reading" validate:"min=31,max=67"`
}

// Payload is the certificate document published to content storage and
// referenced from the ledger by its content id.
type Payload struct {
	Participant Participant `json:"participant"`
	Session     Session     `json:"session"`
	Scores      Scores      `json:"scores"`
	Total       int         `json:"total" validate:"min=310,max=677"`
}

// SubmissionStatus tracks a ledger write attempt.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusConfirmed SubmissionStatus = "confirmed"
	// StatusTimeout means confirmation was not observed in time; the write
	// may still land.
	StatusTimeout  SubmissionStatus = "timeout"
	StatusFailed   SubmissionStatus = "failed"
	StatusConflict SubmissionStatus = "conflict"
)

// Settled reports whether the reconciler can stop watching the submission.
func (s SubmissionStatus) Settled() bool {
	return s != StatusPending && s != StatusTimeout
}

// Submission is one journaled attempt to store a certificate record.
type Submission struct {
	ID            string           `json:"id"`
	Hash          string           `json:"hash"`
	ContentID     string           `json:"contentId"`
	TxHash        string           `json:"txHash,omitempty"`
	Status        SubmissionStatus `json:"status"`
	Confirmations uint64           `json:"confirmations"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
