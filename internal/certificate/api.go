package certificate

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
	"github.com/gateway-fm/toefl-cert-ledger/internal/metrics"
)

// Credential keys in the credentials table.
const (
	KillSwitchKey  = "kill_switch_api_key"
	KillRestartKey = "kill_restart_api_key"
	IssuerKey      = "issuer_api_key"
)

const (
	killSwitchThreshold = 3
	killSwitchWindow    = time.Minute
	maxRequestBody      = 64 << 10
)

// APIServer handles HTTP requests.
type APIServer struct {
	service       *Service
	verifyLimiter *rate.Limiter
	pages         *template.Template
}

// NewAPIServer creates a new API server. Public verification routes are
// limited to verifyRPS requests per second; zero disables the limit.
func NewAPIServer(service *Service, verifyRPS float64, verifyBurst int) *APIServer {
	limit := rate.Inf
	if verifyRPS > 0 {
		limit = rate.Limit(verifyRPS)
	}
	if verifyBurst <= 0 {
		verifyBurst = 1
	}
	return &APIServer{
		service:       service,
		verifyLimiter: rate.NewLimiter(limit, verifyBurst),
		pages:         template.Must(template.New("pages").Parse(pagesTpl)),
	}
}

// RegisterHandlers registers the HTTP handlers on mux.
func (s *APIServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.viewSubmissions)
	mux.HandleFunc("GET /config", s.viewConfig)
	mux.HandleFunc("POST /kill", s.handleKillSwitch)
	mux.HandleFunc("POST /restart", s.handleRestart)

	mux.Handle("GET /verify/{hash}", s.throttled(s.viewVerification))
	mux.Handle("GET /api/v1/verify/{hash}", s.throttled(s.handleVerify))
	mux.Handle("GET /api/v1/records/{hash}", s.throttled(s.handleGetRecord))

	mux.HandleFunc("POST /api/v1/certificates", s.requireKey(IssuerKey, s.handleIssue))
	mux.HandleFunc("POST /api/v1/records", s.requireKey(IssuerKey, s.handleStoreRecord))
}

const pagesTpl = `
{{define "verification"}}<!DOCTYPE html>
<html>
<head>
    <title>Certificate Verification</title>
    <style>
        body { font-family: sans-serif; margin: 20px; max-width: 760px; }
        .result { padding: 12px; border-radius: 5px; border: 1px solid; margin-bottom: 20px; }
        .verified { background-color: #d4edda; border-color: #c3e6cb; color: #155724; }
        .not-verified { background-color: #f8d7da; border-color: #f5c6cb; color: #721c24; }
        .unavailable { background-color: #fff3cd; border-color: #ffeeba; color: #856404; }
        table { border-collapse: collapse; width: 100%; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f2f2f2; width: 35%; }
        code { font-size: 0.85em; word-break: break-all; }
    </style>
</head>
<body>
    <h1>TOEFL Certificate Verification</h1>
    <p>Hash: <code>{{.Hash}}</code></p>
    {{if eq .Status "verified"}}
    <div class="result verified"><strong>Verified.</strong> This certificate is recorded on the ledger.</div>
    {{with .Payload}}
    <table>
        <tr><th>Name</th><td>{{.Participant.Name}}</td></tr>
        <tr><th>Participant number</th><td>{{.Participant.ParticipantNumber}}</td></tr>
        <tr><th>Test</th><td>{{.Session.TestType}} ({{.Session.SessionID}})</td></tr>
        <tr><th>Test date</th><td>{{.Session.TestDate}}</td></tr>
        {{if .Session.Location}}<tr><th>Location</th><td>{{.Session.Location}}</td></tr>{{end}}
        <tr><th>Listening</th><td>{{.Scores.Listening}}</td></tr>
        <tr><th>Structure</th><td>{{.Scores.Structure}}</td></tr>
        <tr><th>Reading</th><td>{{.Scores.Reading}}</td></tr>
        <tr><th>Total</th><td><strong>{{.Total}}</strong></td></tr>
    </table>
    {{end}}
    {{else if eq .Status "payload_unavailable"}}
    <div class="result unavailable"><strong>Recorded, details unavailable.</strong>
        This certificate is recorded on the ledger but its details could not be loaded right now.
        Content id: <code>{{.ContentID}}</code></div>
    {{else}}
    <div class="result not-verified"><strong>Not verified.</strong> No certificate is recorded under this hash.</div>
    {{end}}
</body>
</html>
{{end}}

{{define "submissions"}}<!DOCTYPE html>
<html>
<head>
    <title>Certificate Submissions</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        table { border-collapse: collapse; width: 100%; margin-top: 20px; table-layout: fixed; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; vertical-align: top; word-wrap: break-word; }
        th { background-color: #f2f2f2; }
        .pending, .timeout { background-color: #fff3cd; }
        .confirmed { background-color: #d4edda; }
        .failed, .conflict { background-color: #f8d7da; }
        .config { margin-bottom: 20px; padding: 10px; background-color: #e9ecef; border-radius: 5px; }
        .issuance-status { margin-bottom: 20px; padding: 10px; border-radius: 5px; border: 1px solid; }
        .issuance-active { background-color: #d4edda; border-color: #c3e6cb; color: #155724; }
        .issuance-stopped { background-color: #f8d7da; border-color: #f5c6cb; color: #721c24; }
        code { font-size: 0.8em; }
    </style>
</head>
<body>
    <h1>Certificate Ledger</h1>
    <div class="config">
        <strong>Current Configuration:</strong><br>
        Confirmation timeout: {{.ConfirmationTimeout}}<br>
        Unsettled submissions: {{.Unsettled}}<br>
        Current Time: {{.CurrentTime}}
    </div>

    <div class="issuance-status {{if .IssuanceActive}}issuance-active{{else}}issuance-stopped{{end}}">
        <strong>Issuance Status:</strong> {{if .IssuanceActive}}Active{{else}}STOPPED (Kill Switch Activated){{end}}
    </div>

    <h2>Submissions</h2>
    <table>
        <tr>
            <th>Created</th>
            <th>Certificate Hash</th>
            <th>Content ID</th>
            <th>Transaction</th>
            <th>Status</th>
            <th>Confirmations</th>
            <th>Error</th>
        </tr>
        {{range .Submissions}}
        <tr class="{{.Status}}">
            <td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
            <td><a href="/verify/{{.Hash}}"><code>{{.Hash}}</code></a></td>
            <td><code>{{.ContentID}}</code></td>
            <td><code>{{.TxHash}}</code></td>
            <td>{{.Status}}</td>
            <td>{{.Confirmations}}</td>
            <td>{{.Error}}</td>
        </tr>
        {{else}}
        <tr><td colspan="7" style="text-align: center; font-style: italic;">No submissions</td></tr>
        {{end}}
    </table>
</body>
</html>
{{end}}
`

func (s *APIServer) viewSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.service.GetSubmissions()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get submissions: %v", err), http.StatusInternalServerError)
		return
	}

	issuanceActive, err := s.service.IssuanceActive()
	if err != nil {
		slog.Error("failed to get issuance status", "err", err)
		issuanceActive = true
	}
	unsettled, err := s.service.CountUnsettled()
	if err != nil {
		slog.Error("failed to count unsettled submissions", "err", err)
	}

	data := struct {
		ConfirmationTimeout time.Duration
		Unsettled           int
		CurrentTime         string
		IssuanceActive      bool
		Submissions         []Submission
	}{
		ConfirmationTimeout: ledger.ConfirmationTimeout,
		Unsettled:           unsettled,
		CurrentTime:         time.Now().Format("2006-01-02 15:04:05"),
		IssuanceActive:      issuanceActive,
		Submissions:         subs,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, "submissions", data); err != nil {
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
	}
}

func (s *APIServer) viewConfig(w http.ResponseWriter, r *http.Request) {
	active, err := s.service.IssuanceActive()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get config: %v", err), http.StatusInternalServerError)
		return
	}
	contract, err := s.service.GetConfigValue("contract_address")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get config: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"contract_address":             contract,
		"confirmation_timeout_seconds": int(ledger.ConfirmationTimeout.Seconds()),
		"issuance_active":              active,
	})
}

func (s *APIServer) resolve(w http.ResponseWriter, r *http.Request) (Outcome, bool) {
	hash, err := ledger.ParseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "invalid certificate hash", http.StatusBadRequest)
		return Outcome{}, false
	}
	out, err := s.service.Resolve(r.Context(), hash)
	if err != nil {
		http.Error(w, "verification temporarily unavailable", http.StatusServiceUnavailable)
		return Outcome{}, false
	}
	return out, true
}

func (s *APIServer) viewVerification(w http.ResponseWriter, r *http.Request) {
	out, ok := s.resolve(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if out.Status == OutcomeNotFound {
		w.WriteHeader(http.StatusNotFound)
	}
	if err := s.pages.ExecuteTemplate(w, "verification", out); err != nil {
		slog.Error("failed to render verification page", "err", err)
	}
}

func (s *APIServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	out, ok := s.resolve(w, r)
	if !ok {
		return
	}
	status := http.StatusOK
	if out.Status == OutcomeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, out)
}

func (s *APIServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	hash, err := ledger.ParseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, "invalid certificate hash", http.StatusBadRequest)
		return
	}
	contentID, err := s.service.GetRecord(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hash":      hash.Hex(),
		"contentId": contentID,
	})
}

func (s *APIServer) handleIssue(w http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := decodeBody(w, r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sub, err := s.service.Issue(r.Context(), p)
	s.writeSubmission(w, sub, err)
}

type storeRecordRequest struct {
	Hash      string `json:"hash"`
	ContentID string `json:"contentId"`
}

func (s *APIServer) handleStoreRecord(w http.ResponseWriter, r *http.Request) {
	var req storeRecordRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hash, err := ledger.ParseHash(req.Hash)
	if err != nil {
		http.Error(w, "invalid certificate hash", http.StatusBadRequest)
		return
	}
	sub, err := s.service.StoreRecord(r.Context(), hash, req.ContentID)
	s.writeSubmission(w, sub, err)
}

func (s *APIServer) writeSubmission(w http.ResponseWriter, sub Submission, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sub)
	case errors.Is(err, ledger.ErrTimeout), sub.Status == StatusTimeout:
		// the write may still be mined; the reconciler will settle it
		writeJSON(w, http.StatusAccepted, sub)
	default:
		writeError(w, err)
	}
}

// statusFor maps service and ledger errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrInvalidCID):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateRecord):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientResources):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrIssuancePaused), errors.Is(err, ledger.ErrSignerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrMisconfiguredEndpoint):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func (s *APIServer) throttled(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifyLimiter.Allow() {
			metrics.ObserveResolve("throttled")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	})
}

// checkKey compares the presented key against the stored bcrypt hash.
func (s *APIServer) checkKey(w http.ResponseWriter, credential, presented string) bool {
	if presented == "" {
		http.Error(w, "missing API key", http.StatusUnauthorized)
		return false
	}
	stored, err := s.service.db.GetCredential(credential)
	if err != nil {
		slog.Error("retrieving API key", "credential", credential, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return false
	}
	if stored == "" || bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) != nil {
		http.Error(w, "invalid API key", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *APIServer) requireKey(credential string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkKey(w, credential, r.Header.Get("X-API-Key")) {
			return
		}
		next(w, r)
	}
}

// handleKillSwitch stops issuance after three authorised calls within a minute.
func (s *APIServer) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.handleSwitch(w, r, "kill", KillSwitchKey, false)
}

// handleRestart resumes issuance after three authorised calls within a minute.
func (s *APIServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.handleSwitch(w, r, "restart", KillRestartKey, true)
}

func (s *APIServer) handleSwitch(w http.ResponseWriter, r *http.Request, attemptType, credential string, activate bool) {
	if !s.checkKey(w, credential, r.URL.Query().Get("key")) {
		return
	}

	if err := s.service.db.RecordKillSwitchAttempt(attemptType); err != nil {
		slog.Error("error recording kill switch attempt", "type", attemptType, "err", err)
	}

	// Clean up old attempts (older than 5 minutes)
	if err := s.service.db.CleanupOldKillSwitchAttempts(5 * time.Minute); err != nil {
		slog.Error("error cleaning up old kill switch attempts", "err", err)
	}

	count, err := s.service.db.GetRecentKillSwitchAttempts(attemptType, killSwitchWindow)
	if err != nil {
		slog.Error("error checking recent kill switch attempts", "type", attemptType, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if count >= killSwitchThreshold {
		if err := s.service.db.SetIssuanceStatus(activate); err != nil {
			slog.Error("setting issuance status", "err", err)
			http.Error(w, "failed to change issuance status", http.StatusInternalServerError)
			return
		}
		s.service.onChange()

		status, message := "killing issuance", "Issuance has been stopped"
		if activate {
			status, message = "restarting issuance", "Issuance has been restarted"
		}
		slog.Info("kill switch state changed", "type", attemptType, "issuance_active", activate)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  status,
			"message": message,
		})
		return
	}

	attemptsRemaining := killSwitchThreshold - count
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "attempt recorded",
		"attempts":           count,
		"attempts_remaining": attemptsRemaining,
		"message":            fmt.Sprintf("Need %d more attempts within 1 minute to %s issuance", attemptsRemaining, attemptType),
	})
}
