package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/cache/memory"
	"github.com/rebridge/jobcrawler/internal/crawler"
	memstore "github.com/rebridge/jobcrawler/internal/storage/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, msg crawler.Notification) error {
	return m.Called(ctx, msg).Error(0)
}

// addRun records a finished run that started ago before now and took took.
func addRun(t *testing.T, store *memstore.Store, source crawler.Source, status crawler.RunStatus, ago, took time.Duration) {
	t.Helper()
	ctx := context.Background()
	run, err := store.CreateCrawlRun(ctx, crawler.CrawlRun{Source: source, Page: 1, StartedAt: now.Add(-ago)})
	require.NoError(t, err)
	require.NoError(t, store.UpdateCrawlRun(ctx, run.ID, crawler.CrawlRunUpdate{
		Status:      status,
		CompletedAt: now.Add(-ago).Add(took),
	}))
}

func onlySource(source crawler.Source) Config {
	cfg := DefaultConfig()
	cfg.Sources = []crawler.Source{source}
	return cfg
}

func alertsOfType(alerts []crawler.Alert, typ crawler.AlertType) []crawler.Alert {
	var out []crawler.Alert
	for _, a := range alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestFailureRateThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failed   int
		want     crawler.Severity
		wantNone bool
	}{
		{name: "one of six", failed: 1, wantNone: true},
		{name: "two of six", failed: 2, want: crawler.SeverityWarning},
		{name: "four of six", failed: 4, want: crawler.SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := memstore.NewStore(nil, nil)
			// Oldest first so the newest run succeeds and no consecutive alert fires.
			for i := 0; i < 6; i++ {
				status := crawler.RunStatusSuccess
				if i < tc.failed {
					status = crawler.RunStatusFailed
				}
				addRun(t, store, crawler.SourceSaramin, status, time.Duration(6-i)*30*time.Minute, time.Minute)
			}
			m := New(store, memory.New(fixedClock{}), nil, fixedClock{}, onlySource(crawler.SourceSaramin), zap.NewNop())

			alerts, err := m.CheckAndAlert(context.Background())
			require.NoError(t, err)
			got := alertsOfType(alerts, crawler.AlertHighFailureRate)
			if tc.wantNone {
				require.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0].Severity)
			assert.Equal(t, now, got[0].Timestamp)
		})
	}
}

func TestFailureRateIgnoresRunsOutsideWindow(t *testing.T) {
	t.Parallel()
	store := memstore.NewStore(nil, nil)
	addRun(t, store, crawler.SourceWork24, crawler.RunStatusFailed, 7*time.Hour, time.Minute)
	addRun(t, store, crawler.SourceWork24, crawler.RunStatusSuccess, time.Hour, time.Minute)
	m := New(store, nil, nil, fixedClock{}, onlySource(crawler.SourceWork24), nil)

	alerts, err := m.CheckAndAlert(context.Background())
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestConsecutiveFailures(t *testing.T) {
	t.Parallel()

	t.Run("three failures", func(t *testing.T) {
		t.Parallel()
		store := memstore.NewStore(nil, nil)
		addRun(t, store, crawler.SourceJobKorea, crawler.RunStatusSuccess, 40*time.Hour, time.Minute)
		for i := 3; i >= 1; i-- {
			addRun(t, store, crawler.SourceJobKorea, crawler.RunStatusFailed, time.Duration(i)*10*time.Hour, time.Minute)
		}
		m := New(store, nil, nil, fixedClock{}, onlySource(crawler.SourceJobKorea), nil)

		alerts, err := m.CheckAndAlert(context.Background())
		require.NoError(t, err)
		got := alertsOfType(alerts, crawler.AlertConsecutiveFailures)
		require.Len(t, got, 1)
		assert.Equal(t, crawler.SeverityCritical, got[0].Severity)
		assert.Equal(t, "jobkorea has failed 3 times consecutively", got[0].Message)
	})

	t.Run("two runs only", func(t *testing.T) {
		t.Parallel()
		store := memstore.NewStore(nil, nil)
		addRun(t, store, crawler.SourceJobKorea, crawler.RunStatusFailed, 20*time.Hour, time.Minute)
		addRun(t, store, crawler.SourceJobKorea, crawler.RunStatusFailed, 10*time.Hour, time.Minute)
		m := New(store, nil, nil, fixedClock{}, onlySource(crawler.SourceJobKorea), nil)

		alerts, err := m.CheckAndAlert(context.Background())
		require.NoError(t, err)
		require.Empty(t, alertsOfType(alerts, crawler.AlertConsecutiveFailures))
	})
}

func TestSlowCrawl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		took time.Duration
		want crawler.Severity
	}{
		{name: "warning", took: 20 * time.Minute, want: crawler.SeverityWarning},
		{name: "critical", took: 31 * time.Minute, want: crawler.SeverityCritical},
		{name: "fast", took: 15 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := memstore.NewStore(nil, nil)
			addRun(t, store, crawler.SourceWorkTogether, crawler.RunStatusSuccess, 2*time.Hour, tc.took)
			addRun(t, store, crawler.SourceWorkTogether, crawler.RunStatusFailed, time.Hour, 3*time.Hour)
			cfg := onlySource(crawler.SourceWorkTogether)
			cfg.FailureWarnRate = 0.9
			m := New(store, nil, nil, fixedClock{}, cfg, nil)

			alerts, err := m.CheckAndAlert(context.Background())
			require.NoError(t, err)
			got := alertsOfType(alerts, crawler.AlertSlowCrawl)
			if tc.want == "" {
				require.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0].Severity)
		})
	}
}

func TestAlertsStoredAndCriticalDelivered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.NewStore(nil, nil)
	for i := 3; i >= 1; i-- {
		addRun(t, store, crawler.SourceSaramin, crawler.RunStatusFailed, time.Duration(i)*time.Hour, time.Minute)
	}
	cache := memory.New(fixedClock{})
	notifier := &mockNotifier{}
	notifier.On("Send", mock.Anything, mock.MatchedBy(func(n crawler.Notification) bool {
		return n.Recipient == "ops@example.com" && n.BodyHTML != ""
	})).Return(errors.New("smtp down")).Once()
	cfg := onlySource(crawler.SourceSaramin)
	cfg.Recipients = []string{"ops@example.com"}
	m := New(store, cache, notifier, fixedClock{}, cfg, zap.NewNop())

	alerts, err := m.CheckAndAlert(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	notifier.AssertExpectations(t)

	active, err := m.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	require.NoError(t, m.ClearAlerts(ctx))
	active, err = m.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestNoAlertsLeavesCacheUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := memory.New(nil)
	require.NoError(t, cache.SetWithTTL(ctx, KeyActiveAlerts, []byte(`[{"source":"saramin"}]`), time.Hour))
	m := New(memstore.NewStore(nil, nil), cache, nil, fixedClock{}, DefaultConfig(), nil)

	alerts, err := m.CheckAndAlert(ctx)
	require.NoError(t, err)
	require.Empty(t, alerts)

	active, err := m.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestRenderAlertsEscapes(t *testing.T) {
	t.Parallel()
	body := renderAlerts([]crawler.Alert{{Source: "x", Type: crawler.AlertSlowCrawl, Message: "<b>"}})
	require.Contains(t, body, "&lt;b&gt;")
}
