package certificate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	require.NoError(t, ValidatePayload(samplePayload()))

	tests := []struct {
		name   string
		mutate func(p *Payload)
		field  string
	}{
		{"blank name", func(p *Payload) { p.Participant.Name = "   " }, "Payload.participant.name"},
		{"missing participant number", func(p *Payload) { p.Participant.ParticipantNumber = "" }, "Payload.participant.participantNumber"},
		{"bad email", func(p *Payload) { p.Participant.Email = "ada" }, "Payload.participant.email"},
		{"bad birth date", func(p *Payload) { p.Participant.DateOfBirth = "10/12/1990" }, "Payload.participant.dateOfBirth"},
		{"missing session", func(p *Payload) { p.Session.SessionID = "" }, "Payload.session.sessionId"},
		{"missing test date", func(p *Payload) { p.Session.TestDate = "" }, "Payload.session.testDate"},
		{"listening too low", func(p *Payload) { p.Scores.Listening = 30 }, "Payload.scores.listening"},
		{"reading too high", func(p *Payload) { p.Scores.Reading = 68 }, "Payload.scores.reading"},
		{"total mismatch", func(p *Payload) { p.Total = 524 }, "Payload.total"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			tt.mutate(&p)

			err := ValidatePayload(p)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestValidatePayloadOptionalFields(t *testing.T) {
	p := samplePayload()
	p.Participant.Email = ""
	p.Participant.DateOfBirth = ""
	p.Session.Location = ""
	require.NoError(t, ValidatePayload(p))
}

func TestExpectedTotal(t *testing.T) {
	require.Equal(t, 310, ExpectedTotal(Scores{Listening: 31, Structure: 31, Reading: 31}))
	require.Equal(t, 677, ExpectedTotal(Scores{Listening: 68, Structure: 68, Reading: 67}))
	require.Equal(t, 523, ExpectedTotal(Scores{Listening: 55, Structure: 52, Reading: 50}))
}
