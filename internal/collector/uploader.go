package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/attendkit/zkagent/internal/store"
)

// -------------------------------------------------------------------------
// Upload Policy
// -------------------------------------------------------------------------

const (
	// uploadEndpoint is appended to the configured site URL.
	uploadEndpoint = "biometric"

	// uploadTimeout bounds each POST.
	uploadTimeout = 10 * time.Second

	// defaultSyncInterval is used when the stored value is absent or
	// unparseable.
	defaultSyncInterval = 300 * time.Second

	// jitterFraction spreads cycles by up to this share of the interval
	// in either direction, so many collectors sharing one backend do not
	// fire together.
	jitterFraction = 0.10
)

// punchUpload is the JSON body the backend expects for one punch.
type punchUpload struct {
	UID          string `json:"uid"`
	UserID       string `json:"user_id"`
	Timestamp    string `json:"t"`
	IP           string `json:"ip"`
	SerialNumber string `json:"serial_number"`
}

// -------------------------------------------------------------------------
// Uploader
// -------------------------------------------------------------------------

// Uploader periodically reads pending punches from the store and POSTs
// them to the backend. A row is retired only by a 2xx response; failures
// leave it pending for the next cycle, which is what gives the pipeline
// its at-least-once delivery.
type Uploader struct {
	store      *store.Store
	client     *http.Client
	batchLimit int
	metrics    MetricsReporter
	log        *slog.Logger
}

// UploaderOption configures optional Uploader parameters.
type UploaderOption func(*Uploader)

// WithUploaderMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithUploaderMetrics(mr MetricsReporter) UploaderOption {
	return func(u *Uploader) {
		if mr != nil {
			u.metrics = mr
		}
	}
}

// NewUploader creates an uploader reading at most batchLimit rows per
// cycle.
func NewUploader(st *store.Store, batchLimit int, logger *slog.Logger, opts ...UploaderOption) *Uploader {
	if batchLimit < 1 {
		batchLimit = 100
	}
	u := &Uploader{
		store:      st,
		client:     &http.Client{Timeout: uploadTimeout},
		batchLimit: batchLimit,
		metrics:    noopMetrics{},
		log:        logger.With(slog.String("component", "uploader")),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run executes upload cycles until ctx is cancelled. The interval comes
// from the store configuration and is re-read every cycle, so an operator
// change takes effect without a restart.
func (u *Uploader) Run(ctx context.Context) error {
	u.log.Info("uploader started")
	for {
		u.RunCycle(ctx)

		interval := u.syncInterval(ctx)
		t := time.NewTimer(applyJitter(interval))
		select {
		case <-ctx.Done():
			t.Stop()
			u.log.Info("uploader stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunCycle performs one upload pass: read pending rows, POST each, and
// mark the acknowledged ones synced in a single statement. When the site
// URL is unset or still the seeded placeholder, the cycle is skipped.
func (u *Uploader) RunCycle(ctx context.Context) {
	siteURL, err := u.store.GetConfig(ctx, store.KeySiteURL, "")
	if err != nil {
		u.log.Error("read site url", slog.Any("error", err))
		return
	}
	if siteURL == "" || siteURL == store.PlaceholderSiteURL {
		u.log.Warn("site url not configured, skipping upload cycle")
		return
	}

	rows, err := u.store.GetUnsynced(ctx, u.batchLimit)
	if err != nil {
		u.log.Error("read pending punches", slog.Any("error", err))
		return
	}
	if len(rows) == 0 {
		return
	}

	var synced []uint
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		if err := u.post(ctx, siteURL, &rows[i]); err != nil {
			u.metrics.RecordUpload("error")
			u.log.Warn("upload punch failed",
				slog.Uint64("id", uint64(rows[i].ID)),
				slog.String("device_sn", rows[i].DeviceSN),
				slog.Any("error", err))
			continue
		}
		u.metrics.RecordUpload("ok")
		synced = append(synced, rows[i].ID)
	}

	if len(synced) == 0 {
		return
	}
	if err := u.store.MarkSynced(ctx, synced); err != nil {
		// Rows stay pending and will be re-POSTed next cycle; the backend
		// is expected to deduplicate.
		u.log.Error("mark synced", slog.Any("error", err))
		return
	}
	u.metrics.AddUploadedPunches(len(synced))
	u.log.Info("upload cycle complete",
		slog.Int("uploaded", len(synced)),
		slog.Int("pending", len(rows)-len(synced)))
}

// post sends one punch to ${siteURL}biometric. Success is any 2xx.
func (u *Uploader) post(ctx context.Context, siteURL string, att *store.Attendance) error {
	body, err := json.Marshal(punchUpload{
		UID:          att.UserID,
		UserID:       att.UserID,
		Timestamp:    att.PunchTime.Format(time.RFC3339),
		IP:           att.DeviceIP,
		SerialNumber: att.DeviceSN,
	})
	if err != nil {
		return fmt.Errorf("encode punch: %w", err)
	}

	if !strings.HasSuffix(siteURL, "/") {
		siteURL += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		siteURL+uploadEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("post punch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	return nil
}

// syncInterval reads the cycle interval from the store configuration.
func (u *Uploader) syncInterval(ctx context.Context) time.Duration {
	raw, err := u.store.GetConfig(ctx, store.KeySyncInterval, "")
	if err != nil {
		u.log.Warn("read sync interval", slog.Any("error", err))
		return defaultSyncInterval
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 1 {
		return defaultSyncInterval
	}
	return time.Duration(secs) * time.Second
}

// applyJitter spreads d by up to +-jitterFraction.
func applyJitter(d time.Duration) time.Duration {
	spread := (rand.Float64()*2 - 1) * jitterFraction
	return d + time.Duration(spread*float64(d))
}
