package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/AndreyAkinshin/shipyard/internal/forge"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/release"
)

// Recorder keeps an ordered log of side effects across several fakes so
// tests can assert on cross-collaborator ordering.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the log.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Pusher implements release.Pusher.
type Pusher struct {
	rec  *Recorder
	fail map[string]error
}

// NewPusher creates a Pusher logging to rec.
func NewPusher(rec *Recorder) *Pusher {
	return &Pusher{rec: rec, fail: make(map[string]error)}
}

// FailOn makes pushes of refspec fail with err.
func (p *Pusher) FailOn(refspec string, err error) *Pusher {
	p.fail[refspec] = err
	return p
}

// Push records "push <refspec>".
func (p *Pusher) Push(_ context.Context, refspec string) error {
	p.rec.record("push %s", refspec)
	return p.fail[refspec]
}

// Forge implements release.Forge.
type Forge struct {
	rec *Recorder

	PRErr      error
	MergeErr   error
	ReleaseErr error

	nextNumber int
}

// NewForge creates a Forge logging to rec.
func NewForge(rec *Recorder) *Forge {
	return &Forge{rec: rec, nextNumber: 1}
}

func (f *Forge) EnsurePullRequest(_ context.Context, request forge.CreatePullRequestRequest) (*forge.PullRequest, error) {
	f.rec.record("open pr %s->%s", request.Head, request.Base)
	if f.PRErr != nil {
		return nil, f.PRErr
	}
	pr := &forge.PullRequest{Number: f.nextNumber, State: "open", Title: request.Title}
	f.nextNumber++
	return pr, nil
}

func (f *Forge) Approve(_ context.Context, number int, _ string) error {
	f.rec.record("approve #%d", number)
	return nil
}

func (f *Forge) Merge(_ context.Context, number int, _ string) error {
	f.rec.record("merge #%d", number)
	return f.MergeErr
}

func (f *Forge) CreateRelease(_ context.Context, request forge.CreateReleaseRequest) (*forge.Release, error) {
	f.rec.record("create release %s", request.TagName)
	if f.ReleaseErr != nil {
		return nil, f.ReleaseErr
	}
	return &forge.Release{TagName: request.TagName, Name: request.Name}, nil
}

// Publisher implements release.Publisher.
type Publisher struct {
	rec *Recorder
	Err error
}

// NewPublisher creates a Publisher logging to rec.
func NewPublisher(rec *Recorder) *Publisher {
	return &Publisher{rec: rec}
}

// Publish records "publish <version>".
func (p *Publisher) Publish(_ context.Context, _ model.RunContext, res release.Result) error {
	p.rec.record("publish %s", res.Version)
	return p.Err
}

// Preparer returns a fixed prepare result.
type Preparer struct {
	Result release.Result
	Err    error
	// PrepareFunc, when set, replaces Result and Err.
	PrepareFunc func(ctx context.Context, rc model.RunContext) (release.Result, error)

	mu    sync.Mutex
	calls int
}

// NewPreparer creates a Preparer returning res.
func NewPreparer(res release.Result) *Preparer {
	return &Preparer{Result: res}
}

func (p *Preparer) Prepare(ctx context.Context, rc model.RunContext) (release.Result, error) {
	p.mu.Lock()
	p.calls++
	fn := p.PrepareFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, rc)
	}
	return p.Result, p.Err
}

// Calls returns how often Prepare ran.
func (p *Preparer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
