package webhooks

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "rutanav/internal/model"
    "rutanav/internal/store"
)

// noGate accepts every checklist submission. The webhook paths never touch
// checklists, so the gate is irrelevant here.
type noGate struct{}

func (noGate) Validate(model.ChecklistSubmission) error { return nil }

func TestSignAndVerifyHMAC(t *testing.T) {
    body := []byte(`{"type":"route.accepted"}`)
    sig := SignHMAC("s3cret", body)
    if !VerifyHMAC("s3cret", body, sig) {
        t.Fatal("valid signature rejected")
    }
    if VerifyHMAC("other", body, sig) {
        t.Fatal("wrong secret accepted")
    }
    if VerifyHMAC("s3cret", []byte("tampered"), sig) {
        t.Fatal("tampered body accepted")
    }
    if VerifyHMAC("s3cret", body, "zz-not-hex") {
        t.Fatal("malformed signature accepted")
    }
}

func TestNextBackoff(t *testing.T) {
    if d := nextBackoff(0); d != time.Second {
        t.Errorf("attempt 0 = %v, want 1s", d)
    }
    if d := nextBackoff(3); d != 8*time.Second {
        t.Errorf("attempt 3 = %v, want 8s", d)
    }
    if d := nextBackoff(100); d != time.Hour {
        t.Errorf("attempt 100 = %v, want capped 1h", d)
    }
    if d := nextBackoff(-5); d != time.Second {
        t.Errorf("negative attempt = %v, want 1s", d)
    }
}

func TestPublisherEnqueuesMatchingSubscriptions(t *testing.T) {
    ctx := context.Background()
    st := store.NewMemory(noGate{})
    pub := NewPublisher(st)

    if _, err := st.CreateSubscription(ctx, model.SubscriptionRequest{
        URL: "https://a.example.com/hook", Events: []string{"route.accepted"},
    }); err != nil {
        t.Fatal(err)
    }
    if _, err := st.CreateSubscription(ctx, model.SubscriptionRequest{
        URL: "https://b.example.com/hook", Events: []string{"*"},
    }); err != nil {
        t.Fatal(err)
    }
    if _, err := st.CreateSubscription(ctx, model.SubscriptionRequest{
        URL: "https://c.example.com/hook", Events: []string{"stop.delivered"},
    }); err != nil {
        t.Fatal(err)
    }

    pub.Emit(ctx, "route.accepted", map[string]any{"routeId": "r1"})

    due, err := st.FetchDueWebhookDeliveries(ctx, 10)
    if err != nil {
        t.Fatal(err)
    }
    if len(due) != 2 {
        t.Fatalf("deliveries = %d, want 2 (exact match + wildcard)", len(due))
    }
    var payload struct {
        Type string         `json:"type"`
        Data map[string]any `json:"data"`
    }
    if err := json.Unmarshal(due[0].Payload, &payload); err != nil {
        t.Fatal(err)
    }
    if payload.Type != "route.accepted" || payload.Data["routeId"] != "r1" {
        t.Fatalf("payload = %+v", payload)
    }
}

func TestWorkerDeliversAndSigns(t *testing.T) {
    ctx := context.Background()
    st := store.NewMemory(noGate{})

    var gotSig, gotEvent atomic.Value
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotSig.Store(r.Header.Get("X-Signature"))
        gotEvent.Store(r.Header.Get("X-Event-Type"))
        w.WriteHeader(http.StatusNoContent)
    }))
    defer srv.Close()

    payload := []byte(`{"type":"route.started"}`)
    id, err := st.EnqueueWebhook(ctx, "sub-1", "route.started", srv.URL, "s3cret", payload)
    if err != nil {
        t.Fatal(err)
    }

    w := NewWorker(st)
    w.processOnce()

    items, err := st.ListWebhookDeliveries(ctx, "delivered", 10)
    if err != nil {
        t.Fatal(err)
    }
    if len(items) != 1 || items[0]["id"] != id {
        t.Fatalf("delivered = %v", items)
    }
    sig, _ := gotSig.Load().(string)
    if !VerifyHMAC("s3cret", payload, sig) {
        t.Fatalf("signature %q does not verify", sig)
    }
    if evt, _ := gotEvent.Load().(string); evt != "route.started" {
        t.Fatalf("event header = %q", evt)
    }
}

func TestWorkerRetriesThenFails(t *testing.T) {
    ctx := context.Background()
    st := store.NewMemory(noGate{})

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadGateway)
    }))
    defer srv.Close()

    if _, err := st.EnqueueWebhook(ctx, "sub-1", "route.started", srv.URL, "", []byte(`{}`)); err != nil {
        t.Fatal(err)
    }

    w := NewWorker(st)
    w.MaxAttempts = 2

    w.processOnce()
    pending, _ := st.ListWebhookDeliveries(ctx, "pending", 10)
    if len(pending) != 1 || pending[0]["attempts"] != 1 {
        t.Fatalf("after first attempt: %v", pending)
    }

    // Not due yet: backoff pushed the next attempt into the future.
    due, _ := st.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 0 {
        t.Fatalf("due = %d, want 0 during backoff", len(due))
    }

    // Force it due again via retry, then the second failure exhausts it.
    id := pending[0]["id"].(string)
    if err := st.RetryWebhookDelivery(ctx, id); err != nil {
        t.Fatal(err)
    }
    w.processOnce()
    failed, _ := st.ListWebhookDeliveries(ctx, "failed", 10)
    if len(failed) != 1 {
        t.Fatalf("failed = %v", failed)
    }
}
