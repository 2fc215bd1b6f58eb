package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/metrics"
)

const maxWebhookBody = 1 << 20

// Runner executes the autonomous pipeline for an accepted job. The ingress
// only enqueues; it never blocks the ack on pipeline work.
type Runner interface {
	Run(job *Job)
}

// Ingress verifies and dispatches webhook deliveries.
type Ingress struct {
	secret   []byte
	window   time.Duration
	jobs     *JobStore
	auditLog *audit.Log
	metrics  *metrics.Metrics
	runner   Runner
	allow    func(principal string) bool // nil = no rate limiting
}

// IngressConfig wires the ingress.
type IngressConfig struct {
	Secret            string
	IdempotencyWindow time.Duration
	Jobs              *JobStore
	Audit             *audit.Log
	Metrics           *metrics.Metrics
	Runner            Runner
	Allow             func(string) bool
}

// NewIngress builds the ingress. An empty secret disables the endpoint
// entirely: unauthenticated autonomous pipelines are worse than none.
func NewIngress(cfg IngressConfig) *Ingress {
	window := cfg.IdempotencyWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Ingress{
		secret:   []byte(cfg.Secret),
		window:   window,
		jobs:     cfg.Jobs,
		auditLog: cfg.Audit,
		metrics:  cfg.Metrics,
		runner:   cfg.Runner,
		allow:    cfg.Allow,
	}
}

// HandleHTTP serves POST /webhooks/<provider>. Within the ack deadline it
// validates the signature, parses the event kind, snapshots the job, hands
// it to the runner, and returns 202.
func (in *Ingress) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		http.Error(w, "body too large", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !in.verifySignature(body, sig) {
		in.auditLog.Record("webhook", "signature_rejected", r.RemoteAddr, "denied", "missing or invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		http.Error(w, "missing delivery id", http.StatusBadRequest)
		return
	}

	if in.allow != nil && !in.allow("webhook:"+r.RemoteAddr) {
		in.metrics.RateLimited.Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	event := normalizeEvent(r.Header.Get("X-GitHub-Event"))
	if event == "" {
		// Unknown events are acked and dropped; GitHub retries otherwise.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Idempotency: a repeated delivery inside the window is acked but not
	// re-dispatched.
	if existing, ok := in.jobs.Get(deliveryID); ok && time.Since(existing.Created) < in.window {
		slog.Info("webhook delivery replayed, ignoring", "delivery", deliveryID, "status", existing.Status)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	job, err := parsePayload(deliveryID, event, body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := in.jobs.Save(job); err != nil {
		slog.Error("webhook job snapshot failed", "delivery", deliveryID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	in.auditLog.Record(job.DeliveryID, "webhook_received", job.Repository, "ok", job.Event)

	go in.runner.Run(job)

	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks the keyed HMAC over the raw body with a
// constant-time comparison. A missing configured secret fails closed.
func (in *Ingress) verifySignature(body []byte, header string) bool {
	if len(in.secret) == 0 {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header for a body; tests use it to build valid
// deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func normalizeEvent(header string) string {
	switch header {
	case "pull_request":
		return "pull_request"
	case "issues", "issue":
		return "issue"
	case "push":
		return "push"
	default:
		return ""
	}
}

// parsePayload extracts the fields the pipeline needs from the GitHub
// payload shape.
func parsePayload(deliveryID, event string, body []byte) (*Job, error) {
	var payload struct {
		Repository struct {
			FullName string `json:"full_name"`
			CloneURL string `json:"clone_url"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
		PullRequest struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"pull_request"`
		Issue struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	job := &Job{
		DeliveryID: deliveryID,
		Event:      event,
		Repository: payload.Repository.FullName,
		CloneURL:   payload.Repository.CloneURL,
		Principal:  payload.Sender.Login,
		Status:     StatusReceived,
		Created:    time.Now().UTC(),
	}
	switch event {
	case "pull_request":
		job.Title, job.Body = payload.PullRequest.Title, payload.PullRequest.Body
	case "issue":
		job.Title, job.Body = payload.Issue.Title, payload.Issue.Body
	}
	return job, nil
}
