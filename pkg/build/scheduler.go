package build

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Default polling intervals of the Scheduler.
const (
	DefaultPollInterval    = 2 * time.Millisecond
	DefaultMaxPollInterval = 100 * time.Millisecond
)

// Job is a single compilation unit.
type Job struct {
	// Source is the file diagnostics are attributed to when the output
	// cannot be parsed.
	Source  string
	Command Command
	// Result is returned when the process succeeds.
	Result Result
	// Parse extracts diagnostics from the process output.
	Parse DiagnosticParser
}

// Scheduler runs compilation jobs concurrently and polls them to completion.
type Scheduler struct {
	Runner Runner
	// MaxJobs caps concurrently running processes, runtime.NumCPU() if 0.
	MaxJobs         int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Logger          zerolog.Logger
	// Log receives every command line and its output.
	Log io.Writer
}

type runningJob struct {
	job  *Job
	proc Process
}

// CompileMany runs all jobs and returns their results in completion
// order. A failing job does not stop the others; every job is run. The
// returned Aggregator holds the diagnostics of all failed jobs, so any
// entry in it means the target failed.
func (s *Scheduler) CompileMany(ctx context.Context, jobs []Job) ([]Result, *Aggregator) {
	agg := NewAggregator()
	results := make([]Result, 0, len(jobs))
	maxJobs := s.MaxJobs
	if maxJobs <= 0 {
		maxJobs = runtime.NumCPU()
	}
	bo := s.newBackOff()

	pending := jobs
	running := make([]*runningJob, 0, maxJobs)
	for len(pending) > 0 || len(running) > 0 {
		progressed := false
		for len(running) < maxJobs && len(pending) > 0 && ctx.Err() == nil {
			job := &pending[0]
			pending = pending[1:]
			progressed = true
			s.logCommand(job.Command)
			proc, err := s.Runner.Start(ctx, job.Command)
			if err != nil {
				s.Logger.Debug().Err(err).Str("source", job.Source).Msg("spawn failed")
				agg.Record(job.Source, Diagnostic{Severity: SeverityError, Code: "spawn", Message: err.Error()})
				results = append(results, Failure(nil))
				continue
			}
			running = append(running, &runningJob{job: job, proc: proc})
		}

		for n := 0; n < len(running); {
			if !running[n].proc.Finished() {
				n++
				continue
			}
			results = append(results, s.collect(running[n], agg))
			running = append(running[:n], running[n+1:]...)
			progressed = true
		}

		if ctx.Err() != nil && len(pending) > 0 {
			for _, job := range pending {
				agg.Record(job.Source, Diagnostic{Severity: SeverityError, Code: "canceled", Message: ctx.Err().Error()})
				results = append(results, Failure(nil))
			}
			pending = nil
		}

		if progressed {
			bo.Reset()
			continue
		}
		if len(running) > 0 {
			time.Sleep(bo.NextBackOff())
		}
	}

	if agg.Len() > 0 {
		diags := agg.Diagnostics()
		for n := range results {
			if results[n].IsFailure() {
				results[n].Diagnostics = diags
			}
		}
	}
	return results, agg
}

func (s *Scheduler) collect(r *runningJob, agg *Aggregator) Result {
	out, err := r.proc.Wait()
	s.logOutput(out)
	if err != nil {
		agg.Record(r.job.Source, Diagnostic{Severity: SeverityError, Code: "process", Message: err.Error()})
		return Failure(nil)
	}
	if !out.Success() {
		var parsed []FileDiagnostic
		if r.job.Parse != nil {
			parsed = r.job.Parse(out.Combined())
		}
		agg.RecordAll(parsed)
		if !hasErrorDiagnostic(parsed) {
			agg.Record(r.job.Source, Diagnostic{
				Severity: SeverityError,
				Code:     fmt.Sprintf("exit-%d", out.ExitCode),
				Message:  summaryLine(out.Combined()),
			})
		}
		s.Logger.Debug().Str("source", r.job.Source).Int("exit", out.ExitCode).Msg("compile failed")
		return Failure(nil)
	}
	return r.job.Result
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.PollInterval
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = DefaultPollInterval
	}
	bo.MaxInterval = s.MaxPollInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = DefaultMaxPollInterval
	}
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

func (s *Scheduler) logCommand(cmd Command) {
	if s.Log != nil {
		fmt.Fprintf(s.Log, "$ %s\n", cmd)
	}
}

func (s *Scheduler) logOutput(out Output) {
	if s.Log == nil {
		return
	}
	if text := out.Combined(); text != "" {
		fmt.Fprintln(s.Log, text)
	}
}

func hasErrorDiagnostic(diags []FileDiagnostic) bool {
	for _, d := range diags {
		if d.IsError() {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	for _, line := range splitLines(text) {
		if line != "" {
			return line
		}
	}
	return "process failed without output"
}

func splitLines(text string) []string {
	var lines []string
	forEachLine(text, func(line string) {
		lines = append(lines, line)
	})
	return lines
}
