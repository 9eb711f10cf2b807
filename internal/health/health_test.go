package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

func tokensExpiringIn(d time.Duration, refresh string) *tokenstore.TokenData {
	return &tokenstore.TokenData{
		AccessToken:  "access",
		RefreshToken: refresh,
		ExpiryDate:   time.Now().Add(d).UnixMilli(),
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	buffer := 10 * time.Minute

	tests := []struct {
		name   string
		tokens *tokenstore.TokenData
		want   Status
	}{
		{"no tokens", nil, StatusUnhealthy},
		{"valid token with refresh grant", tokensExpiringIn(time.Hour, "rt"), StatusHealthy},
		{"valid token without refresh grant", tokensExpiringIn(time.Hour, ""), StatusHealthy},
		{"inside expiry buffer", tokensExpiringIn(5*time.Minute, "rt"), StatusDegraded},
		{"expired but refreshable", tokensExpiringIn(-time.Minute, "rt"), StatusDegraded},
		{"expired and no refresh grant", tokensExpiringIn(-time.Minute, ""), StatusUnhealthy},
		{"expiring and no refresh grant", tokensExpiringIn(time.Minute, ""), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			report := Evaluate(tt.tokens, "v1", []string{"v1"}, buffer)
			assert.Equal(t, tt.want, report.Status)
		})
	}
}

func TestEvaluate_ReportFields(t *testing.T) {
	t.Parallel()

	report := Evaluate(tokensExpiringIn(time.Hour, "rt"), "v2", []string{"v1", "v2"}, 10*time.Minute)

	assert.True(t, report.TokensPresent)
	assert.True(t, report.RefreshCapable)
	assert.Equal(t, "v2", report.CurrentVersion)
	assert.ElementsMatch(t, []string{"v1", "v2"}, report.KeyVersions)
	assert.Greater(t, report.TimeToExpiry, 59*time.Minute)
}

func TestStatus_ExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, StatusHealthy.ExitCode())
	assert.Equal(t, 1, StatusDegraded.ExitCode())
	assert.Equal(t, 2, StatusUnhealthy.ExitCode())
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordRefresh("success")
	m.RecordRotation("failed")
	m.SetTokenExpiry(300)
	m.SetStatus(StatusHealthy)
}
