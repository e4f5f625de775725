package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes an external process to launch.
type Command struct {
	Program string
	Args    []string
	// Dir is the working directory, the current one if empty.
	Dir string
	// Env is appended to the process environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Output is the captured result of a finished process.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Success indicates the process exited with status 0.
func (o Output) Success() bool {
	return o.ExitCode == 0
}

// Process is a running external process.
type Process interface {
	// Finished reports whether the process exited, without blocking.
	Finished() bool
	// Wait blocks until the process exits and returns its output.
	Wait() (Output, error)
}

// Runner launches external processes. A non-zero exit status is
// reported in Output, not as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner runs processes with os/exec, capturing their output.
type ExecRunner struct {
	// Env is appended to the environment of every process.
	Env []string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	proc, err := r.Start(ctx, cmd)
	if err != nil {
		return Output{}, err
	}
	return proc.Wait()
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(append(os.Environ(), r.Env...), cmd.Env...)
	p := &execProcess{cmd: c, done: make(chan struct{})}
	c.Stdout, c.Stderr = &p.stdout, &p.stderr
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %q error: %w", cmd.Program, err)
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}
	out    Output
	err    error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.out = Output{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		p.out.ExitCode = exitErr.ExitCode()
		if p.out.ExitCode < 0 {
			p.err = fmt.Errorf("%q terminated: %w", p.cmd.Path, err)
		}
	default:
		p.err = fmt.Errorf("wait %q error: %w", p.cmd.Path, err)
	}
	close(p.done)
}

func (p *execProcess) Finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Wait() (Output, error) {
	<-p.done
	return p.out, p.err
}
