// Package notify reports the verdict of a run to a chat webhook and as a
// commit status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AndreyAkinshin/shipyard/internal/config"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/forge"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// ChatMessage is the payload posted to the chat webhook.
type ChatMessage struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

// StatusSetter publishes machine-readable commit statuses. *forge.Client
// implements it.
type StatusSetter interface {
	CreateCommitStatus(ctx context.Context, sha string, request forge.StatusRequest) error
}

// Notifier posts the run verdict. Every call is best-effort: failures are
// logged and returned, never retried.
type Notifier struct {
	cfg        config.NotifyConfig
	httpClient *http.Client
	statuses   StatusSetter
	logger     *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient sets the client used for the chat webhook.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithStatuses enables commit statuses.
func WithStatuses(s StatusSetter) Option {
	return func(n *Notifier) { n.statuses = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logging.OrDiscard(l) }
}

// New creates a Notifier.
func New(cfg config.NotifyConfig, opts ...Option) *Notifier {
	n := &Notifier{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends the chat message and the commit status for outcome. Both are
// attempted even if the first fails.
func (n *Notifier) Notify(ctx context.Context, rc model.RunContext, outcome model.PipelineOutcome) error {
	if n.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	verdict := outcome.Verdict()
	message := Message(rc, outcome)
	n.logger.Info("notifying", "verdict", string(verdict), "message", message)

	var errs []error
	if n.cfg.WebhookURL != "" {
		if err := n.postChat(ctx, ChatMessage{ChannelID: n.cfg.ChannelID, Message: message}); err != nil {
			n.logger.Warn("chat notification failed", "error", err)
			errs = append(errs, err)
		}
	}

	if n.statuses != nil && rc.Trigger.CommitSHA != "" {
		err := n.statuses.CreateCommitStatus(ctx, rc.Trigger.CommitSHA, forge.StatusRequest{
			State:       StatusState(verdict),
			TargetURL:   n.targetURL(rc),
			Description: Description(outcome),
			Context:     n.cfg.StatusContext,
		})
		if err != nil {
			n.logger.Warn("commit status failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return shipyarderrors.Notify(errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) postChat(ctx context.Context, msg ChatMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting chat message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) targetURL(rc model.RunContext) string {
	return strings.ReplaceAll(n.cfg.TargetURL, "{run_id}", rc.Trigger.RunID)
}

// StatusState maps a verdict to a commit status state. "No changes" is a
// successful run.
func StatusState(v model.Verdict) string {
	if v == model.VerdictFailure {
		return "failure"
	}
	return "success"
}

// Description is the short status line for a commit status.
func Description(o model.PipelineOutcome) string {
	switch o.Verdict() {
	case model.VerdictSuccess:
		return fmt.Sprintf("released %s", o.Tag)
	case model.VerdictNoChanges:
		return string(model.VerdictNoChanges)
	default:
		return "release failed: " + failedAt(o)
	}
}

// Message is the chat line for a run.
func Message(rc model.RunContext, o model.PipelineOutcome) string {
	var b strings.Builder
	if rc.DryRun {
		b.WriteString("[dry run] ")
	}
	branch := rc.HolochainSourceBranch
	switch o.Verdict() {
	case model.VerdictSuccess:
		fmt.Fprintf(&b, "release %s (tag %s) from %s succeeded", o.Version, o.Tag, branch)
	case model.VerdictNoChanges:
		fmt.Fprintf(&b, "release from %s: %s", branch, model.VerdictNoChanges)
	default:
		fmt.Fprintf(&b, "release from %s failed: %s", branch, failedAt(o))
	}
	if rc.Trigger.RunID != "" {
		fmt.Fprintf(&b, " (run %s)", rc.Trigger.RunID)
	}
	return b.String()
}

func failedAt(o model.PipelineOutcome) string {
	switch {
	case o.Aborted && o.FailedStep == "" && o.Err != nil && shipyarderrors.KindOf(o.Err) == shipyarderrors.KindCanceled:
		return "canceled"
	case !o.PrepareOK:
		return "prepare"
	case !o.TestOK:
		var failed []string
		for _, r := range o.Results {
			if r.Blocking() {
				failed = append(failed, r.CellID)
			}
		}
		if len(failed) == 0 {
			return "test"
		}
		return "test (" + strings.Join(failed, ", ") + ")"
	case o.FailedStep != "":
		return "finalize (" + o.FailedStep + ")"
	default:
		return "finalize"
	}
}
