package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenlabs/renderq/backoff"
	"github.com/lumenlabs/renderq/job"
	"github.com/lumenlabs/renderq/store/memory"
	"github.com/lumenlabs/renderq/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newOwnedJob() *job.Job {
	j := job.New("render", []byte(`{"projectId":"p-1"}`), job.WithOwner("user-1"))
	return j
}

func TestServiceDeliversSignedPayload(t *testing.T) {
	t.Parallel()

	type captured struct {
		body    []byte
		headers http.Header
	}
	var got atomic.Pointer[captured]

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(&captured{body: body, headers: r.Header.Clone()})
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	reg, err := svc.Register(context.Background(), "user-1", ts.URL,
		[]webhook.Event{webhook.EventRenderCompleted},
		map[string]string{"X-Custom": "render-farm"},
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	j := newOwnedJob()
	j.Result = json.RawMessage(`{"videoUrl":"https://cdn.example.com/v/1.mp4"}`)
	if hookErr := svc.OnJobCompleted(context.Background(), j, 2*time.Second); hookErr != nil {
		t.Fatalf("OnJobCompleted: %v", hookErr)
	}

	waitFor(t, "delivery", func() bool { return got.Load() != nil })
	req := got.Load()

	if evt := req.headers.Get("X-Webhook-Event"); evt != string(webhook.EventRenderCompleted) {
		t.Errorf("X-Webhook-Event = %q", evt)
	}
	if ua := req.headers.Get("User-Agent"); ua != webhook.DefaultUserAgent {
		t.Errorf("User-Agent = %q", ua)
	}
	if custom := req.headers.Get("X-Custom"); custom != "render-farm" {
		t.Errorf("X-Custom = %q", custom)
	}
	if req.headers.Get("X-Webhook-Delivery") == "" {
		t.Error("X-Webhook-Delivery missing")
	}

	sig := req.headers.Get("X-Webhook-Signature")
	if verifyErr := webhook.Verify(reg.Secret, sig, req.body, time.Now().UTC(), 0); verifyErr != nil {
		t.Errorf("signature did not verify: %v", verifyErr)
	}

	var p webhook.Payload
	if unmarshalErr := json.Unmarshal(req.body, &p); unmarshalErr != nil {
		t.Fatalf("unmarshal payload: %v", unmarshalErr)
	}
	if p.Event != webhook.EventRenderCompleted {
		t.Errorf("payload event = %q", p.Event)
	}
	if p.Data.JobID != j.ID.String() {
		t.Errorf("payload jobId = %q", p.Data.JobID)
	}

	waitFor(t, "delivery record", func() bool {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		return len(log) == 1 && log[0].Status == webhook.DeliveryCompleted
	})
	log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
	if log[0].ResponseCode != http.StatusOK {
		t.Errorf("ResponseCode = %d", log[0].ResponseCode)
	}
	if log[0].DeliveredAt == nil {
		t.Error("DeliveredAt not set")
	}
}

func TestServiceRecordsEndpointFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	reg, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	j := newOwnedJob()
	// The hook must not surface endpoint trouble to the job lifecycle.
	if hookErr := svc.OnJobFailed(context.Background(), j, io.ErrUnexpectedEOF); hookErr != nil {
		t.Fatalf("OnJobFailed returned %v, want nil", hookErr)
	}

	waitFor(t, "failed delivery record", func() bool {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		return len(log) == 1 && log[0].Attempts == 1
	})

	log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
	d := log[0]
	if d.Status != webhook.DeliveryFailed {
		t.Errorf("Status = %q, want failed", d.Status)
	}
	if d.ResponseCode != http.StatusInternalServerError {
		t.Errorf("ResponseCode = %d, want 500", d.ResponseCode)
	}
	if !strings.Contains(d.ResponseBody, "boom") {
		t.Errorf("ResponseBody = %q", d.ResponseBody)
	}
}

func TestServiceSkipsUnsubscribedAndInactive(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	onlyFailed, err := svc.Register(context.Background(), "user-1", ts.URL,
		[]webhook.Event{webhook.EventRenderFailed}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	paused, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.SetActive(context.Background(), paused.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	if hookErr := svc.OnJobCompleted(context.Background(), newOwnedJob(), time.Second); hookErr != nil {
		t.Fatalf("OnJobCompleted: %v", hookErr)
	}

	// Give any wrong delivery time to land.
	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Errorf("endpoint hit %d times, want 0", n)
	}
	for _, reg := range []*webhook.Registration{onlyFailed, paused} {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		if len(log) != 0 {
			t.Errorf("registration %s has %d deliveries, want 0", reg.ID, len(log))
		}
	}
}

func TestServiceWildcardSubscription(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	if _, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j := newOwnedJob()
	if err := svc.OnJobStarted(context.Background(), j); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	if err := svc.OnJobCancelled(context.Background(), j); err != nil {
		t.Fatalf("OnJobCancelled: %v", err)
	}

	waitFor(t, "both wildcard deliveries", func() bool { return hits.Load() == 2 })
}

func TestServiceTruncatesResponseBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	reg, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if hookErr := svc.OnJobCompleted(context.Background(), newOwnedJob(), time.Second); hookErr != nil {
		t.Fatalf("OnJobCompleted: %v", hookErr)
	}

	waitFor(t, "delivery record", func() bool {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		return len(log) == 1 && log[0].Attempts == 1
	})

	log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
	if got := len(log[0].ResponseBody); got > webhook.ResponseBodyLimit {
		t.Errorf("ResponseBody length = %d, want <= %d", got, webhook.ResponseBodyLimit)
	}
}

func TestRedeliver(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	reg, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if hookErr := svc.OnJobCompleted(context.Background(), newOwnedJob(), time.Second); hookErr != nil {
		t.Fatalf("OnJobCompleted: %v", hookErr)
	}

	waitFor(t, "first failed attempt", func() bool {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		return len(log) == 1 && log[0].Status == webhook.DeliveryFailed
	})

	log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
	if redeliverErr := svc.Redeliver(context.Background(), log[0].ID); redeliverErr != nil {
		t.Fatalf("Redeliver: %v", redeliverErr)
	}

	final, getErr := store.GetDelivery(context.Background(), log[0].ID)
	if getErr != nil {
		t.Fatalf("GetDelivery: %v", getErr)
	}
	if final.Status != webhook.DeliveryCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
	if final.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", final.Attempts)
	}
}

func TestDeliveryWorkerRetriesDue(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger(),
		webhook.WithPollInterval(20*time.Millisecond),
		webhook.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)

	reg, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if startErr := svc.Start(context.Background()); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	}()

	if hookErr := svc.OnJobCompleted(context.Background(), newOwnedJob(), time.Second); hookErr != nil {
		t.Fatalf("OnJobCompleted: %v", hookErr)
	}

	waitFor(t, "redelivered completion", func() bool {
		log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
		return len(log) == 1 && log[0].Status == webhook.DeliveryCompleted
	})

	log, _ := svc.Deliveries(context.Background(), reg.ID, 0)
	if log[0].Attempts < 2 {
		t.Errorf("Attempts = %d, want >= 2", log[0].Attempts)
	}
}

func TestServiceIgnoresOwnerlessJobs(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := memory.New()
	svc := webhook.NewService(store, testLogger())

	if _, err := svc.Register(context.Background(), "user-1", ts.URL, nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	anonymous := job.New("render", nil)
	if err := svc.OnJobCompleted(context.Background(), anonymous, time.Second); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Errorf("endpoint hit %d times for ownerless job, want 0", n)
	}
}
