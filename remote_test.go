package outpost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDoer scripts HTTP responses and records requests.
type fakeDoer struct {
	mu        sync.Mutex
	responses []*http.Response
	errs      []error
	requests  []*http.Request
	bodies    []string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, body)

	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return jsonResponse(http.StatusOK, "{}"), nil
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestRemote(t *testing.T, doer *fakeDoer) *HTTPRemoteClient {
	t.Helper()
	c, err := NewHTTPRemoteClient(HTTPRemoteConfig{
		BaseURL:    "https://sync.example.com/v1",
		AuthToken:  "tok-123",
		HTTPClient: doer,
		Retry:      RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewHTTPRemoteClient: %v", err)
	}
	return c
}

func TestHTTPRemotePull(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, `{"records":[{"id":"r1","fields":{"qty":2}}],"current_version":8,"has_more":true}`),
	}}
	c := newTestRemote(t, doer)

	pr, err := c.Pull(context.Background(), "orders", 5)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(pr.Records) != 1 || pr.Records[0].ID != "r1" {
		t.Errorf("unexpected records: %+v", pr.Records)
	}
	if pr.CurrentVersion != 8 || !pr.HasMore {
		t.Errorf("unexpected page metadata: %+v", pr)
	}

	req := doer.requests[0]
	if req.URL.Path != "/v1/collections/orders/changes" {
		t.Errorf("unexpected path %q", req.URL.Path)
	}
	if req.URL.Query().Get("since") != "5" {
		t.Errorf("expected since=5, got %q", req.URL.RawQuery)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("expected bearer token, got %q", got)
	}
}

func TestHTTPRemotePushEncodesBatch(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, `{"accepted_ids":["m1"],"rejected_ids":{"m2":"bad"},"current_version":9}`),
	}}
	c := newTestRemote(t, doer)

	muts := []*QueuedMutation{
		{ID: "m1", Collection: "orders", Action: ActionUpdate, RecordID: "r1"},
		{ID: "m2", Collection: "orders", Action: ActionDelete, RecordID: "r2"},
	}
	pr, err := c.Push(context.Background(), "orders", muts, "client-7", StrategyFieldMerge)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(pr.AcceptedIDs) != 1 || pr.AcceptedIDs[0] != "m1" {
		t.Errorf("unexpected accepted ids: %v", pr.AcceptedIDs)
	}
	if pr.RejectedIDs["m2"] != "bad" {
		t.Errorf("unexpected rejected ids: %v", pr.RejectedIDs)
	}

	var sent pushRequest
	if err := json.Unmarshal([]byte(doer.bodies[0]), &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.ClientID != "client-7" || sent.Strategy != StrategyFieldMerge {
		t.Errorf("push must carry client id and strategy: %+v", sent)
	}
	if len(sent.Mutations) != 2 || sent.Mutations[0].ID != "m1" {
		t.Errorf("mutations not encoded in order: %+v", sent.Mutations)
	}
}

func TestHTTPRemoteRetriesTransientStatus(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusServiceUnavailable, `{}`),
		jsonResponse(http.StatusOK, `{"current_version":2}`),
	}}
	c := newTestRemote(t, doer)

	pr, err := c.Pull(context.Background(), "orders", 0)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if pr.CurrentVersion != 2 {
		t.Errorf("unexpected result: %+v", pr)
	}
	if len(doer.requests) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(doer.requests))
	}
}

func TestHTTPRemoteRetriesReplayBody(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusBadGateway, `{}`),
		jsonResponse(http.StatusOK, `{}`),
	}}
	c := newTestRemote(t, doer)

	muts := []*QueuedMutation{{ID: "m1", Collection: "orders", Action: ActionUpdate}}
	if _, err := c.Push(context.Background(), "orders", muts, "c1", StrategyServerWins); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(doer.bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(doer.bodies))
	}
	if doer.bodies[0] != doer.bodies[1] || doer.bodies[1] == "" {
		t.Error("retried request must resend the full payload")
	}
}

func TestHTTPRemoteValidationNotRetried(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(http.StatusUnprocessableEntity, `{}`),
	}}
	c := newTestRemote(t, doer)

	_, err := c.Pull(context.Background(), "orders", 0)
	if Classify(err) != KindValidation {
		t.Errorf("expected KindValidation, got %v", Classify(err))
	}
	if len(doer.requests) != 1 {
		t.Errorf("validation errors must not be retried, got %d attempts", len(doer.requests))
	}
}

func TestHTTPRemoteNetworkErrorIsTransient(t *testing.T) {
	netErr := errors.New("connection refused")
	doer := &fakeDoer{errs: []error{netErr, netErr, netErr}}
	c := newTestRemote(t, doer)

	_, err := c.Pull(context.Background(), "orders", 0)
	if Classify(err) != KindTransient {
		t.Errorf("expected KindTransient, got %v", Classify(err))
	}
	if len(doer.requests) != 3 {
		t.Errorf("expected all attempts consumed, got %d", len(doer.requests))
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want ErrorKind
	}{
		{http.StatusConflict, KindVersionConflict},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusTeapot, KindUnknown},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.code, "op", "orders")
		if Classify(err) != tc.want {
			t.Errorf("status %d: expected %v, got %v", tc.code, tc.want, Classify(err))
		}
	}
	if classifyStatus(http.StatusOK, "op", "") != nil {
		t.Error("2xx must not be an error")
	}
}

func TestHTTPRemoteBackupRestore(t *testing.T) {
	snapshot := []byte(`{"collections":{}}`)
	doer := &fakeDoer{responses: []*http.Response{
		{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(snapshot))},
		jsonResponse(http.StatusOK, `{}`),
	}}
	c := newTestRemote(t, doer)

	got, err := c.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !bytes.Equal(got, snapshot) {
		t.Errorf("backup payload mismatch: %q", got)
	}

	if err := c.Restore(context.Background(), snapshot, true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	req := doer.requests[1]
	if req.URL.Path != "/v1/restore" || req.URL.Query().Get("overwrite") != "true" {
		t.Errorf("unexpected restore request: %v", req.URL)
	}
	if doer.bodies[1] != string(snapshot) {
		t.Error("restore must upload the snapshot body")
	}
}
