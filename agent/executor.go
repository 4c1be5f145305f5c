// Package agent is the site-resident worker. It pulls claims from the
// orchestrator, executes them locally and reports phase changes back. The
// agent only ever dials out, so it runs unchanged behind a firewall.
package agent

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pingcap/log"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/registry"
)

// Result is the local outcome of one execution.
type Result struct {
	ExitCode    int
	RemoteID    string
	ArtifactURI string
}

// Executor runs one claimed submission on the local site. Implementations
// must return promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, offer *registry.Offer) (*Result, error)
}

// CommandExecutor materializes the rendered files into a per-submission work
// directory and runs the script with the local shell. It stands in for a real
// scheduler backend (e.g. a Slurm sbatch wrapper) on plain hosts.
type CommandExecutor struct {
	fs       afero.Fs
	workRoot string
	shell    string
}

// NewCommandExecutor creates a CommandExecutor rooted at workRoot.
func NewCommandExecutor(workRoot string) *CommandExecutor {
	return &CommandExecutor{
		fs:       afero.NewOsFs(),
		workRoot: workRoot,
		shell:    "/bin/sh",
	}
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, offer *registry.Offer) (*Result, error) {
	dir, err := e.materialize(offer)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, "job.sh")
	cmd := exec.CommandContext(ctx, e.shell, scriptPath)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err = cmd.Run()
	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, errors.Wrap(errors.ErrExecutorFailed, err, offer.SubmissionID)
		}
		exitCode = exitErr.ExitCode()
	}
	log.L().Info("execution finished",
		zap.String("submission-id", offer.SubmissionID),
		zap.Int("exit-code", exitCode))
	return &Result{ExitCode: exitCode, ArtifactURI: "file://" + dir}, nil
}

// materialize writes the rendered script and its support files under a
// directory named after the submission, so reruns after a reclaim land in a
// fresh tree.
func (e *CommandExecutor) materialize(offer *registry.Offer) (string, error) {
	dir := filepath.Join(e.workRoot, offer.SubmissionID, "epoch-"+strconv.FormatInt(offer.Epoch, 10))
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrExecutorFailed, err, offer.SubmissionID)
	}
	if err := afero.WriteFile(e.fs, filepath.Join(dir, "job.sh"), []byte(offer.Script), 0o755); err != nil {
		return "", errors.Wrap(errors.ErrExecutorFailed, err, offer.SubmissionID)
	}
	for name, content := range offer.Files {
		path := filepath.Join(dir, filepath.Clean("/"+name))
		if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", errors.Wrap(errors.ErrExecutorFailed, err, offer.SubmissionID)
		}
		if err := afero.WriteFile(e.fs, path, []byte(content), 0o644); err != nil {
			return "", errors.Wrap(errors.ErrExecutorFailed, err, offer.SubmissionID)
		}
	}
	return dir, nil
}
