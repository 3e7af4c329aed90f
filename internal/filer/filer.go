package filer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/toll-recovery/internal/models"
)

// ClaimRequest is the outbound claim-filing payload.
type ClaimRequest struct {
	TripID         string `json:"trip_id"`
	TollID         string `json:"toll_id"`
	AmountCents    int64  `json:"amount_cents"`
	ProofReference string `json:"proof_reference,omitempty"`
}

// Result is a successfully filed claim.
type Result struct {
	ConfirmationID string `json:"confirmation_id"`
}

// ClaimFiler files one reimbursement claim with the host platform. Failures
// must be *models.SubmitError so the scheduler can classify them.
type ClaimFiler interface {
	File(ctx context.Context, req ClaimRequest) (Result, error)
}

// HTTPFiler talks to the claim-filer collaborator over HTTP.
type HTTPFiler struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPFiler(endpoint string, timeout time.Duration) *HTTPFiler {
	return &HTTPFiler{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type fileResponse struct {
	Accepted       bool   `json:"accepted"`
	ConfirmationID string `json:"confirmation_id"`
	Error          struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *HTTPFiler) File(ctx context.Context, req ClaimRequest) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, &models.SubmitError{Kind: models.ErrKindRejected, Message: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &models.SubmitError{Kind: models.ErrKindRejected, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		kind := models.ErrKindUpstream
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.ErrKindTimeout
		}
		return Result{}, &models.SubmitError{Kind: kind, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &models.SubmitError{Kind: models.ErrKindRateLimited, Message: "rate limited by claim filer"}
	case resp.StatusCode >= 500:
		return Result{}, &models.SubmitError{Kind: models.ErrKindUpstream, Message: fmt.Sprintf("claim filer returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusConflict:
		return Result{}, &models.SubmitError{Kind: models.ErrKindDuplicate, Message: "claim already filed downstream"}
	case resp.StatusCode >= 400:
		return Result{}, &models.SubmitError{Kind: models.ErrKindRejected, Message: fmt.Sprintf("claim filer rejected request with %d", resp.StatusCode)}
	}

	var out fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// the claim may or may not have landed; treat as transient and
		// let the filer's own duplicate detection sort it out on retry
		return Result{}, &models.SubmitError{Kind: models.ErrKindAmbiguous, Message: "unreadable claim filer response: " + err.Error()}
	}
	if !out.Accepted {
		kind := models.ErrorKind(out.Error.Kind)
		switch kind {
		case models.ErrKindTimeout, models.ErrKindRateLimited, models.ErrKindUpstream,
			models.ErrKindAmbiguous, models.ErrKindRejected, models.ErrKindDuplicate:
		default:
			kind = models.ErrKindUpstream
		}
		return Result{}, &models.SubmitError{Kind: kind, Message: out.Error.Message}
	}
	if out.ConfirmationID == "" {
		return Result{}, &models.SubmitError{Kind: models.ErrKindAmbiguous, Message: "accepted without confirmation id"}
	}
	return Result{ConfirmationID: out.ConfirmationID}, nil
}
