package build

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeRunner completes processes after a number of polls. Outputs are
// selected by the first matching substring of the command line.
type fakeRunner struct {
	polls   int
	outputs map[string]Output
	failTo  map[string]error

	lock       sync.Mutex
	running    int
	maxRunning int
	commands   []string
}

func (r *fakeRunner) output(cmd Command) Output {
	line := cmd.String()
	for key, out := range r.outputs {
		if strings.Contains(line, key) {
			return out
		}
	}
	return Output{}
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	r.lock.Lock()
	r.commands = append(r.commands, cmd.String())
	r.lock.Unlock()
	return r.output(cmd), nil
}

func (r *fakeRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for key, err := range r.failTo {
		if strings.Contains(cmd.String(), key) {
			return nil, err
		}
	}
	r.commands = append(r.commands, cmd.String())
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	return &fakeProcess{runner: r, remaining: int32(r.polls), out: r.output(cmd)}, nil
}

func (r *fakeRunner) Commands() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.commands...)
}

type fakeProcess struct {
	runner    *fakeRunner
	remaining int32
	out       Output
	done      int32
}

func (p *fakeProcess) Finished() bool {
	if atomic.AddInt32(&p.remaining, -1) > 0 {
		return false
	}
	if atomic.CompareAndSwapInt32(&p.done, 0, 1) {
		p.runner.lock.Lock()
		p.runner.running--
		p.runner.lock.Unlock()
	}
	return true
}

func (p *fakeProcess) Wait() (Output, error) {
	for !p.Finished() {
	}
	return p.out, nil
}

// fakeBackend records built targets and returns configured results.
type fakeBackend struct {
	name    string
	types   []string
	results map[string]Result
	errs    map[string]error
	bypass  bool

	lock   sync.Mutex
	built  []string
	inputs map[string]Result
}

func newFakeBackend(name string, types ...string) *fakeBackend {
	return &fakeBackend{
		name:    name,
		types:   types,
		results: make(map[string]Result),
		errs:    make(map[string]error),
		inputs:  make(map[string]Result),
	}
}

func (b *fakeBackend) Name() string    { return b.name }
func (b *fakeBackend) Types() []string { return b.types }

func (b *fakeBackend) Probe(ctx context.Context) (string, error) {
	if strings.HasPrefix(b.name, "missing") {
		return "", errors.New("not installed")
	}
	return "1.0", nil
}

func (b *fakeBackend) BypassCache(t *Target) bool { return b.bypass }

func (b *fakeBackend) Build(ctx context.Context, bctx *BuildContext) (Result, error) {
	name := bctx.Target.Name
	b.lock.Lock()
	b.built = append(b.built, name)
	b.inputs[name] = bctx.Input
	b.lock.Unlock()
	if err := b.errs[name]; err != nil {
		return Result{}, err
	}
	if r, ok := b.results[name]; ok {
		return Combine(bctx.Input, r), nil
	}
	return Combine(bctx.Input, Result{Kind: KindHeaderOnly, Includes: []string{bctx.Target.Root}}), nil
}

func (b *fakeBackend) Built() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string(nil), b.built...)
}
