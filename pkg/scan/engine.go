package scan

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/sirupsen/logrus"
)

type (
	// Invocation carries everything one engine run needs. Redacting and
	// rule selection are pass-through options to the engine, not logic
	// reimplemented here.
	Invocation struct {
		RepoPath     string
		ReportPath   string
		ReportFormat string
		ConfigPath   string
		Redact       bool
		EnableRules  []string
	}

	// Engine invokes the external secret scanner against a working copy.
	// Exit status contract: 0 clean, 1 findings present, anything else an
	// engine/config error.
	Engine interface {
		Check() error
		Scan(ctx context.Context, inv Invocation) (exitCode int, stderr string, err error)
	}

	// LocalEngine runs a gitleaks binary from PATH.
	LocalEngine struct {
		log *logrus.Entry
	}

	// DockerEngine runs gitleaks through a container image, with the repo
	// mounted read-only and the working dir mounted for report output.
	DockerEngine struct {
		image string
		log   *logrus.Entry
	}
)

func NewLocalEngine(log *logrus.Entry) *LocalEngine {
	return &LocalEngine{log: log}
}

func NewDockerEngine(image string, log *logrus.Entry) *DockerEngine {
	return &DockerEngine{image: image, log: log}
}

func (e *LocalEngine) Check() (err error) {
	if _, err = exec.LookPath("gitleaks"); err != nil {
		err = errors.Wrap(err, "gitleaks command not available")
	}
	return
}

func (e *LocalEngine) Scan(ctx context.Context, inv Invocation) (exitCode int, stderr string, err error) {
	args := engineArgs(inv, inv.RepoPath, inv.ReportPath, inv.ConfigPath)

	e.log.WithField("args", args).Debug("running local gitleaks")

	return runCommand(ctx, "gitleaks", args)
}

func (e *DockerEngine) Check() (err error) {
	if _, err = exec.LookPath("docker"); err != nil {
		err = errors.Wrap(err, "docker command not available")
	}
	return
}

func (e *DockerEngine) Scan(ctx context.Context, inv Invocation) (exitCode int, stderr string, err error) {
	cwd, err := os.Getwd()
	if err != nil {
		err = errors.Wrap(err, "unable to get working directory")
		return
	}

	repoAbs, err := filepath.Abs(inv.RepoPath)
	if err != nil {
		err = errors.Wrapv(err, "unable to resolve repo path", inv.RepoPath)
		return
	}

	// Inside the container the repo sits at /repo and the working dir at
	// /app, so the config file and the report path must resolve under /app.
	reportPath, err := containerAppPath(cwd, inv.ReportPath)
	if err != nil {
		err = errors.WithMessage(err, "report path is unusable for docker scans")
		return
	}
	configPath, err := containerAppPath(cwd, inv.ConfigPath)
	if err != nil {
		err = errors.WithMessage(err, "config path is unusable for docker scans")
		return
	}

	args := []string{
		"run", "--rm",
		"-w", "/app",
		"--mount", "type=bind,src=" + repoAbs + ",dst=/repo,ro",
		"-v", cwd + ":/app",
		e.image,
	}
	args = append(args, engineArgs(inv, "/repo", reportPath, configPath)...)

	e.log.WithField("args", args).Debug("running gitleaks through docker")

	return runCommand(ctx, "docker", args)
}

// containerAppPath rewrites a host path for a container that mounts cwd at
// /app. Relative paths resolve under the /app workdir as-is; absolute paths
// are rewritten when they sit below cwd and rejected when they do not, since
// nothing outside cwd is mounted.
func containerAppPath(cwd, path string) (result string, err error) {
	if !filepath.IsAbs(path) {
		result = path
		return
	}

	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		err = errors.Errorv("path is outside the working directory", path)
		return
	}
	result = filepath.ToSlash(filepath.Join("/app", rel))

	return
}

func engineArgs(inv Invocation, repoPath, reportPath, configPath string) (args []string) {
	args = []string{
		"dir", repoPath,
		"--max-target-megabytes", "1",
		"--config", configPath,
		"--exit-code", "1",
		"--report-path", reportPath,
		"--report-format", inv.ReportFormat,
	}
	if inv.Redact {
		args = append(args, "--redact=60")
	}
	for _, ruleID := range inv.EnableRules {
		args = append(args, "--enable-rule", ruleID)
	}
	return
}

func runCommand(ctx context.Context, name string, args []string) (exitCode int, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stderr = stderrBuf.String()

	if ctx.Err() == context.DeadlineExceeded {
		err = errors.Errorv("scan engine timed out", name)
		return
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			return
		}
		err = errors.Wrapv(runErr, "unable to run scan engine", name)
	}

	return
}
