// Package tidepool wraps the Tidepool platform REST API for glucose-data
// operations. It provides an [Adapter] with methods aligned to the sync
// engine's needs and conversion between Tidepool's JSON representation and
// [model.Sample]. The adapter performs no retries: each call reports success
// or failure for one attempt, and pacing is the scheduler's concern.
package tidepool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

const sessionTokenHeader = "X-Tidepool-Session-Token"

// ErrUnauthorized is returned when Tidepool rejects the session token (401 or
// 403). Callers must not retry with the same credentials; the user has to
// log in again.
var ErrUnauthorized = errors.New("tidepool: session token rejected")

// Adapter provides sync-engine–oriented operations on the Tidepool platform.
// Create one with [NewAdapter] or, for tests, [NewAdapterWithClient].
type Adapter struct {
	baseURL string
	token   string
	userID  string
	hc      *http.Client
	log     *slog.Logger
}

// NewAdapter creates an Adapter for the given Tidepool instance. token is the
// session token sent on every request; userID selects whose data is synced.
func NewAdapter(baseURL, token, userID string, logger *slog.Logger) (*Adapter, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("tidepool URL %q must be a valid http or https URL", baseURL)
	}
	return &Adapter{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}, nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied HTTP client.
// Intended for testing against a stub server.
func NewAdapterWithClient(baseURL, token, userID string, hc *http.Client, logger *slog.Logger) *Adapter {
	return &Adapter{baseURL: baseURL, token: token, userID: userID, hc: hc, log: logger}
}

// Ping checks that the Tidepool instance is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	resp, err := a.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return fmt.Errorf("ping tidepool: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// FetchSamples returns all glucose records with a timestamp in [from, to],
// converted to [model.Sample]. Records missing a required field are skipped
// and logged; the rest of the batch proceeds.
func (a *Adapter) FetchSamples(ctx context.Context, from, to time.Time) ([]model.Sample, error) {
	q := url.Values{}
	q.Set("type", "cbg,smbg")
	q.Set("startDate", from.UTC().Format(time.RFC3339))
	q.Set("endDate", to.UTC().Format(time.RFC3339))
	path := fmt.Sprintf("/data/%s?%s", url.PathEscape(a.userID), q.Encode())

	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch samples: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var raw []rawRecord
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse samples response: %w", err)
	}

	samples := make([]model.Sample, 0, len(raw))
	for i := range raw {
		if sample, ok := rawToSample(&raw[i], a.log); ok {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

// CreateOrFetchUploadDestination returns the id of an open Tidepool data set
// for this user, creating one when none exists.
func (a *Adapter) CreateOrFetchUploadDestination(ctx context.Context) (string, error) {
	listPath := fmt.Sprintf("/v1/users/%s/data_sets?client.name=%s&size=1",
		url.PathEscape(a.userID), clientName)

	resp, err := a.do(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return "", fmt.Errorf("list data sets: %w", err)
	}
	var existing []dataSet
	decodeErr := json.NewDecoder(resp.Body).Decode(&existing)
	_ = resp.Body.Close()
	if decodeErr != nil {
		return "", fmt.Errorf("parse data sets response: %w", decodeErr)
	}
	if len(existing) > 0 && existing[0].UploadID != "" {
		return existing[0].UploadID, nil
	}

	body, err := json.Marshal(newDataSetRequest())
	if err != nil {
		return "", fmt.Errorf("encode data set request: %w", err)
	}
	createPath := fmt.Sprintf("/v1/users/%s/data_sets", url.PathEscape(a.userID))
	resp, err = a.do(ctx, http.MethodPost, createPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create data set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var created struct {
		Data dataSet `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("parse data set response: %w", err)
	}
	if created.Data.UploadID == "" {
		return "", fmt.Errorf("tidepool returned a data set without an upload id")
	}
	return created.Data.UploadID, nil
}

// SubmitBatch posts one batch of queue entries to the given data set. When
// withManifest is true (the first batch of a drain session) the batch is
// prefixed with a manifest record carrying sessionID and the device metadata,
// so Tidepool can correlate every batch of the session.
func (a *Adapter) SubmitBatch(ctx context.Context, destinationID, sessionID string, withManifest bool, entries []state.PendingEntry) error {
	records := make([]any, 0, len(entries)+1)
	if withManifest {
		records = append(records, buildManifest(sessionID, entries))
	}
	for i := range entries {
		records = append(records, entryToRecord(&entries[i], sessionID))
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode upload batch: %w", err)
	}

	path := fmt.Sprintf("/v1/data_sets/%s/data", url.PathEscape(destinationID))
	resp, err := a.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit batch of %d: %w", len(entries), err)
	}
	_ = resp.Body.Close()
	return nil
}

// do performs one request with auth headers and maps the response status to
// the error taxonomy: 401/403 wrap [ErrUnauthorized], anything else non-2xx
// is an ordinary (transient) error. The caller owns resp.Body on success.
func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(sessionTokenHeader, a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		msg := readErrorMessage(resp.Body)
		_ = resp.Body.Close()
		if msg != "" {
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

// readErrorMessage extracts Tidepool's error message from a failure body.
func readErrorMessage(r io.Reader) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&e); err != nil {
		return ""
	}
	return e.Message
}
