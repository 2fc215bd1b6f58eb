package webhook

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/metrics"
)

type recordingRunner struct {
	runs atomic.Int32
	last atomic.Value // *Job
}

func (r *recordingRunner) Run(job *Job) {
	r.runs.Add(1)
	r.last.Store(job)
}

const testSecret = "hook-secret"

func newTestIngress(t *testing.T) (*Ingress, *recordingRunner, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	jobs, err := NewJobStore(filepath.Join(dir, "jobs"))
	require.NoError(t, err)

	runner := &recordingRunner{}
	in := NewIngress(IngressConfig{
		Secret:            testSecret,
		IdempotencyWindow: time.Hour,
		Jobs:              jobs,
		Audit:             log,
		Metrics:           metrics.New(),
		Runner:            runner,
	})
	return in, runner, auditPath
}

func pullRequestBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"repository": map[string]any{
			"full_name": "acme/widgets",
			"clone_url": "https://example.com/acme/widgets.git",
		},
		"sender":       map[string]any{"login": "octocat"},
		"pull_request": map[string]any{"title": "Fix subtraction", "body": "f(2,3) should be 5"},
	})
	require.NoError(t, err)
	return body
}

func deliver(in *Ingress, body []byte, deliveryID, event, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	in.HandleHTTP(w, req)
	return w
}

func TestValidDeliveryEnqueues(t *testing.T) {
	in, runner, _ := newTestIngress(t)
	body := pullRequestBody(t)

	w := deliver(in, body, "dlv-1", "pull_request", Sign([]byte(testSecret), body))
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 10*time.Millisecond)
	job := runner.last.Load().(*Job)
	assert.Equal(t, "dlv-1", job.DeliveryID)
	assert.Equal(t, "pull_request", job.Event)
	assert.Equal(t, "acme/widgets", job.Repository)
	assert.Equal(t, "octocat", job.Principal)
	assert.Equal(t, StatusReceived, job.Status)
}

func TestTamperedSignatureRejected(t *testing.T) {
	in, runner, auditPath := newTestIngress(t)
	body := pullRequestBody(t)

	start := time.Now()
	w := deliver(in, body, "dlv-2", "pull_request", Sign([]byte("wrong-secret"), body))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int32(0), runner.runs.Load())

	// Exactly one signature_rejected audit entry, no job snapshot.
	entries := readAudit(t, auditPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "signature_rejected", entries[0].Action)
}

func TestMissingSignatureRejected(t *testing.T) {
	in, runner, _ := newTestIngress(t)
	w := deliver(in, pullRequestBody(t), "dlv-3", "pull_request", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestRedeliveryWithinWindowNotReDispatched(t *testing.T) {
	in, runner, _ := newTestIngress(t)
	body := pullRequestBody(t)
	sig := Sign([]byte(testSecret), body)

	w1 := deliver(in, body, "dlv-4", "pull_request", sig)
	assert.Equal(t, http.StatusAccepted, w1.Code)
	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 10*time.Millisecond)

	w2 := deliver(in, body, "dlv-4", "pull_request", sig)
	assert.Equal(t, http.StatusAccepted, w2.Code, "redelivery is acked")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runner.runs.Load(), "redelivery must not re-dispatch")
}

func TestUnknownEventAckedAndDropped(t *testing.T) {
	in, runner, _ := newTestIngress(t)
	body := pullRequestBody(t)

	w := deliver(in, body, "dlv-5", "workflow_run", Sign([]byte(testSecret), body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestJobStoreSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	jobs, err := NewJobStore(dir)
	require.NoError(t, err)

	j := &Job{DeliveryID: "abc/123", Event: "push", Repository: "r", Status: StatusReceived, Created: time.Now().UTC()}
	require.NoError(t, jobs.Save(j))

	got, ok := jobs.Get("abc/123")
	require.True(t, ok)
	assert.Equal(t, StatusReceived, got.Status)

	_, ok = jobs.Get("missing")
	assert.False(t, ok)
}

func TestJobStorePrune(t *testing.T) {
	jobs, err := NewJobStore(t.TempDir())
	require.NoError(t, err)

	old := &Job{DeliveryID: "old", Created: time.Now().Add(-48 * time.Hour)}
	fresh := &Job{DeliveryID: "fresh", Created: time.Now()}
	require.NoError(t, jobs.Save(old))
	require.NoError(t, jobs.Save(fresh))

	n, err := jobs.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := jobs.Get("old")
	assert.False(t, ok)
	_, ok = jobs.Get("fresh")
	assert.True(t, ok)
}

func readAudit(t *testing.T, path string) []audit.Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []audit.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}
