package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/nimbus-ide/nimbus/internal/jobs"
	"github.com/nimbus-ide/nimbus/internal/session"
	"github.com/nimbus-ide/nimbus/jobs"
)

func TestSessionSweepRecordsMetrics(t *testing.T) {
	store := session.NewMemoryStore(session.MemoryConfig{MaxSessions: 100, ReapInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	for i, id := range []string{"s1", "s2"} {
		sess := &session.Session{
			ID:        id,
			UserID:    "u1",
			CreatedAt: now.Add(time.Duration(-i) * time.Hour),
			ExpiresAt: now.Add(-time.Minute),
		}
		if err := store.Set(context.Background(), sess.ID, sess, 0); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewSessionSweepJob(store, "memory", nil, nil, metrics)

	task, err := jobs.NewSessionSweepTask(jobs.SessionSweepPayload{})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !assertCounter(t, families, "nimbus_jobs_total", map[string]string{"job": jobs.TaskSessionSweep, "status": "success"}, 1) {
		t.Fatalf("expected nimbus_jobs_total increment for session sweep")
	}
	if !assertCounter(t, families, "nimbus_job_sessions_reaped_total", map[string]string{"backend": "memory"}, 2) {
		t.Fatalf("expected nimbus_job_sessions_reaped_total to count removals")
	}
	if !metricExists(families, "nimbus_job_duration_seconds") {
		t.Fatalf("expected nimbus_job_duration_seconds to be recorded")
	}
}

func assertCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				if metric.GetCounter() == nil {
					return false
				}
				if metric.GetCounter().GetValue() == expected {
					return true
				}
			}
		}
	}
	return false
}

func metricExists(families []*dto.MetricFamily, name string) bool {
	for _, fam := range families {
		if fam.GetName() == name {
			return true
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
