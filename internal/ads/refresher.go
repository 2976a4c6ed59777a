// Package ads triggers the advertising spend refresh for every tenant with
// ads credentials. The reporting integration itself sits behind Client.
package ads

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/tracker"
)

// Client pulls one tenant's spend report.
type Client interface {
	Refresh(ctx context.Context, cred tracker.AdsCredential) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, cred tracker.AdsCredential) error

// Refresh calls f.
func (f ClientFunc) Refresh(ctx context.Context, cred tracker.AdsCredential) error {
	return f(ctx, cred)
}

// Recorder receives operator-facing log lines.
type Recorder interface {
	Record(level tracker.LogLevel, category, message string, details map[string]any, tenantID string)
}

// Refresher walks the credential store and refreshes each tenant in turn.
type Refresher struct {
	creds    tracker.CredentialStore
	client   Client
	recorder Recorder
	logger   *zap.Logger
}

// NewRefresher constructs a Refresher. A nil client skips every tenant.
func NewRefresher(creds tracker.CredentialStore, client Client, recorder Recorder, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{creds: creds, client: client, recorder: recorder, logger: logger}
}

// Refresh runs the refresh for every tenant with credentials. One tenant's
// failure is logged and does not stop the others; only a failure to read the
// credentials is returned.
func (r *Refresher) Refresh(ctx context.Context) error {
	creds, err := r.creds.ListAdsCredentials(ctx)
	if err != nil {
		r.record(tracker.LogError, "ads credentials could not be loaded", map[string]any{"error": err.Error()}, "")
		return fmt.Errorf("list ads credentials: %w", err)
	}
	if r.client == nil {
		r.logger.Info("ads client not configured; skipping refresh", zap.Int("tenants", len(creds)))
		return nil
	}

	ok, failed := 0, 0
	for _, cred := range creds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cred.CustomerID == "" || cred.APIKey == "" {
			r.logger.Debug("incomplete ads credentials", zap.String("tenant_id", cred.TenantID))
			continue
		}
		if err := r.client.Refresh(ctx, cred); err != nil {
			failed++
			r.logger.Warn("ads refresh failed", zap.String("tenant_id", cred.TenantID), zap.Error(err))
			r.record(tracker.LogError, "ads refresh failed", map[string]any{
				"customer_id": cred.CustomerID,
				"error":       err.Error(),
			}, cred.TenantID)
			continue
		}
		ok++
	}
	r.record(tracker.LogInfo, "ads refresh finished", map[string]any{
		"success_count": ok,
		"failed_count":  failed,
	}, "")
	return nil
}

func (r *Refresher) record(level tracker.LogLevel, message string, details map[string]any, tenantID string) {
	if r.recorder != nil {
		r.recorder.Record(level, tracker.CategoryAds, message, details, tenantID)
	}
}
