package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// RunCmd builds a target and executes the produced binary.
type RunCmd struct {
	Build *BuildCmd
}

// Execute executes the command. The first argument is the target, the
// rest are passed to the program.
func (c *RunCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	var name string
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	target, err := cctx.Project.SelectTarget(name)
	if err != nil {
		return err
	}
	builder := c.Build
	if builder == nil {
		builder = &BuildCmd{}
	}
	builder.printTree(cctx, target)
	result, err := builder.Build(ctx, cctx, target)
	if err != nil {
		return err
	}
	if result.Binary == "" {
		return fmt.Errorf("target %q produced no executable", target.Name)
	}

	cmd := exec.CommandContext(ctx, result.Binary, args...)
	cmd.Dir = target.Root
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), cctx.Settings.EnvList()...)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return err
	}
	return nil
}
