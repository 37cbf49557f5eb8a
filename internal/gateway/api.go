package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/AlexKimmel/accountgate/internal/controlplane"
	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/rs/zerolog/hlog"
)

// API serves the control plane over HTTP.
type API struct {
	plane   *controlplane.Plane
	inbox   *probe.Inbox // nil disables the receipt endpoint
	version string
}

func NewAPI(plane *controlplane.Plane, inbox *probe.Inbox, version string) *API {
	return &API{plane: plane, inbox: inbox, version: version}
}

// OpsPaths are served without authentication or API rate limiting.
var OpsPaths = map[string]struct{}{
	"/health":  {},
	"/version": {},
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": a.version})
	})

	mux.HandleFunc("POST /v1/admission", a.admission)
	mux.HandleFunc("POST /v1/outcome", a.outcome)
	mux.HandleFunc("POST /v1/probe", a.probe)
	mux.HandleFunc("POST /v1/canary/receipts", a.receipt)
	mux.HandleFunc("GET /v1/accounts/{id}/health", a.health)
}

type admissionRequest struct {
	Account string  `json:"account"`
	Kind    string  `json:"kind"`
	Cost    float64 `json:"cost,omitempty"`
}

type admissionResponse struct {
	Verdict      controlplane.Verdict `json:"verdict"`
	RetryAfterMS int64                `json:"retry_after_ms"`
	Reason       string               `json:"reason,omitempty"`
	Key          string               `json:"key,omitempty"`
	Remaining    float64              `json:"remaining"`
	Stage        string               `json:"stage,omitempty"`
	Ceiling      int                  `json:"ceiling,omitempty"`
	Tier         risk.Tier            `json:"tier"`
}

func (a *API) admission(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	d, err := a.plane.RequestAdmission(r.Context(), req.Account, req.Kind, req.Cost)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	code := http.StatusOK
	switch d.Verdict {
	case controlplane.VerdictDeny:
		code = http.StatusTooManyRequests
	case controlplane.VerdictQuarantined:
		code = http.StatusLocked
	}
	setRetryAfter(w, d.RetryAfter)
	writeJSON(w, code, admissionResponse{
		Verdict:      d.Verdict,
		RetryAfterMS: d.RetryAfter.Milliseconds(),
		Reason:       d.Reason,
		Key:          d.Key,
		Remaining:    d.Remaining,
		Stage:        string(d.Stage),
		Ceiling:      d.Ceiling,
		Tier:         d.Tier,
	})
}

type outcomeRequest struct {
	Account      string    `json:"account"`
	Outcome      string    `json:"outcome"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

func (a *API) outcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, err := controlplane.ParseOutcomeKind(req.Outcome)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sc, err := a.plane.ReportOutcome(r.Context(), req.Account, controlplane.Outcome{
		Kind:       kind,
		RetryAfter: time.Duration(req.RetryAfterMS) * time.Millisecond,
		At:         req.At,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type probeRequest struct {
	Account string `json:"account"`
	Canary  string `json:"canary"`
}

func (a *API) probe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	pr, err := a.plane.RunDeliveryProbe(r.Context(), req.Account, req.Canary)
	if errors.Is(err, probe.ErrProbeFailed) {
		// The probe record still tells the caller what went wrong.
		hlog.FromRequest(r).Warn().Err(err).Str("account", req.Account).Msg("delivery probe failed")
		writeJSON(w, http.StatusBadGateway, pr)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

type receiptRequest struct {
	ProbeID string    `json:"probe_id,omitempty"`
	Text    string    `json:"text,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

func (a *API) receipt(w http.ResponseWriter, r *http.Request) {
	if a.inbox == nil {
		a.fail(w, r, controlplane.ErrProbingDisabled)
		return
	}
	var req receiptRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	id := req.ProbeID
	if id == "" {
		var ok bool
		if id, ok = probe.ParsePayload(req.Text); !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "probe_id or a canary text is required")
			return
		}
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	matched := a.inbox.Deliver(id, at)
	writeJSON(w, http.StatusAccepted, map[string]any{"probe_id": id, "matched": matched})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.plane.Health(r.Context(), r.PathValue("id")))
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, controlplane.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, controlplane.ErrProbingDisabled):
		writeError(w, http.StatusNotImplemented, "probing_disabled", err.Error())
	case errors.Is(err, controlplane.ErrStateUnavailable):
		hlog.FromRequest(r).Warn().Err(err).Msg("account state unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "state_unavailable", "account state unavailable, retry")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
