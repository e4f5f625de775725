package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/juliushaag/cbuild/pkg/build"
)

// LogCmd prints the compiler output of the last build of a target.
type LogCmd struct {
}

// Execute executes the command.
func (c *LogCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	if len(args) > 1 {
		return fmt.Errorf("too many targets, please specify only one")
	}
	target, err := cctx.SelectTarget(args...)
	if err != nil {
		return err
	}
	logFn := build.LogFile(target.OutDir(), target.Name)
	f, err := os.Open(logFn)
	if err != nil {
		return fmt.Errorf("open %q error: %w", logFn, err)
	}
	defer f.Close()
	cctx.UI.PrintLog(f)
	return nil
}

// OpenTaskLog opens the compile log of a task.
func OpenTaskLog(task *build.Task) (io.ReadCloser, error) {
	return os.Open(build.LogFile(task.Target.OutDir(), task.Name()))
}
