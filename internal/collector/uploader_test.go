package collector_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/attendkit/zkagent/internal/collector"
	"github.com/attendkit/zkagent/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "att.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := st.Close(); cerr != nil {
			t.Errorf("close store: %v", cerr)
		}
	})
	return st
}

func insertPunch(t *testing.T, st *store.Store, userID string, at time.Time) {
	t.Helper()

	inserted, err := st.InsertAttendance(context.Background(), &store.Attendance{
		UserID:    userID,
		PunchTime: at,
		DeviceIP:  "192.0.2.10",
		DeviceSN:  "SN-A",
	})
	if err != nil {
		t.Fatalf("insert punch %s: %v", userID, err)
	}
	if !inserted {
		t.Fatalf("punch %s not inserted", userID)
	}
}

// backend is a scriptable upload endpoint that counts POSTs per user.
type backend struct {
	mu     sync.Mutex
	posts  map[string]int
	reject map[string]bool
	bodies []map[string]string
}

func newBackend() *backend {
	return &backend{posts: make(map[string]int), reject: make(map[string]bool)}
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/biometric" {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	userID := body["user_id"]
	b.posts[userID]++
	b.bodies = append(b.bodies, body)
	rejected := b.reject[userID]
	b.mu.Unlock()

	if rejected {
		http.Error(w, "backend down", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *backend) setReject(userID string, rejected bool) {
	b.mu.Lock()
	b.reject[userID] = rejected
	b.mu.Unlock()
}

func (b *backend) postCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posts[userID]
}

func pendingUsers(t *testing.T, st *store.Store) map[string]bool {
	t.Helper()

	rows, err := st.GetUnsynced(context.Background(), 100)
	if err != nil {
		t.Fatalf("get unsynced: %v", err)
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.UserID] = true
	}
	return out
}

func TestUploadRetry(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	be := newBackend()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if err := st.SetConfig(ctx, store.KeySiteURL, srv.URL+"/"); err != nil {
		t.Fatalf("set site url: %v", err)
	}

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	insertPunch(t, st, "101", base)
	insertPunch(t, st, "102", base.Add(time.Minute))
	insertPunch(t, st, "103", base.Add(2*time.Minute))

	u := collector.NewUploader(st, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// First cycle: the backend rejects user 102; 101 and 103 are retired,
	// 102 stays pending.
	be.setReject("102", true)
	u.RunCycle(ctx)

	pending := pendingUsers(t, st)
	if len(pending) != 1 || !pending["102"] {
		t.Fatalf("after first cycle pending = %v, want only 102", pending)
	}

	// Second cycle: the backend recovers and 102 is retired too.
	be.setReject("102", false)
	u.RunCycle(ctx)

	if pending := pendingUsers(t, st); len(pending) != 0 {
		t.Fatalf("after second cycle pending = %v, want none", pending)
	}

	// The failed row was POSTed twice, the others exactly once.
	if got := be.postCount("102"); got != 2 {
		t.Errorf("posts for 102 = %d, want 2", got)
	}
	if got := be.postCount("101"); got != 1 {
		t.Errorf("posts for 101 = %d, want 1", got)
	}
	if got := be.postCount("103"); got != 1 {
		t.Errorf("posts for 103 = %d, want 1", got)
	}
}

func TestNoReuploadAfterSync(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	be := newBackend()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if err := st.SetConfig(ctx, store.KeySiteURL, srv.URL+"/"); err != nil {
		t.Fatalf("set site url: %v", err)
	}
	insertPunch(t, st, "7", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))

	u := collector.NewUploader(st, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	u.RunCycle(ctx)
	u.RunCycle(ctx)
	u.RunCycle(ctx)

	if got := be.postCount("7"); got != 1 {
		t.Errorf("posts after three cycles = %d, want 1", got)
	}
}

func TestUploadBodyFields(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	be := newBackend()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if err := st.SetConfig(ctx, store.KeySiteURL, srv.URL+"/"); err != nil {
		t.Fatalf("set site url: %v", err)
	}

	at := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	insertPunch(t, st, "42", at)

	u := collector.NewUploader(st, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	u.RunCycle(ctx)

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.bodies) != 1 {
		t.Fatalf("got %d POSTs, want 1", len(be.bodies))
	}
	body := be.bodies[0]
	if body["uid"] != "42" || body["user_id"] != "42" {
		t.Errorf("ids = %q / %q, want 42 / 42", body["uid"], body["user_id"])
	}
	if body["t"] != "2025-01-15T09:30:00Z" {
		t.Errorf("t = %q, want 2025-01-15T09:30:00Z", body["t"])
	}
	if body["ip"] != "192.0.2.10" || body["serial_number"] != "SN-A" {
		t.Errorf("provenance = %q / %q", body["ip"], body["serial_number"])
	}
}

func TestUploadSkipsPlaceholderURL(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	be := newBackend()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	// site_url keeps its seeded placeholder: the cycle must not POST and
	// must not retire rows.
	ctx := context.Background()
	insertPunch(t, st, "9", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))

	u := collector.NewUploader(st, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	u.RunCycle(ctx)

	if got := be.postCount("9"); got != 0 {
		t.Errorf("posts = %d, want 0", got)
	}
	if pending := pendingUsers(t, st); !pending["9"] {
		t.Error("row was retired without an upload")
	}
}

func TestUploaderRunStops(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	u := collector.NewUploader(st, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
