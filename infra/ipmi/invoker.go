package ipmi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/techthom/ipmi2mqtt/core/model"
)

// ErrInvocation is returned when the query tool could not run at all:
// binary missing, permission denied, or timeout exceeded. A non-zero exit
// from a tool that did run is data, not an error.
var ErrInvocation = errors.New("query tool invocation failed")

// Invoker runs one management-controller query and captures its output.
type Invoker interface {
	Run(ctx context.Context) (model.RawQueryResult, error)
}

// Config describes how to launch the query tool.
type Config struct {
	// Command is the tool invocation prefix, e.g.
	// ["java", "-jar", "/usr/local/bin/SMCIPMITool.jar"].
	Command []string `json:"command"`
	// Host, Username and Password identify the managed controller and are
	// appended as arguments, followed by Mode.
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Mode is the query subcommand, e.g. "pminfo".
	Mode string `json:"mode"`
	// TimeoutSeconds bounds the subprocess wall-clock time.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// SetDefaults applies the conventional tool location and query mode.
func (c *Config) SetDefaults() {
	if len(c.Command) == 0 {
		c.Command = []string{"java", "-jar", "/usr/local/bin/SMCIPMITool.jar"}
	}
	if c.Mode == "" {
		c.Mode = "pminfo"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
}

// Validate checks the fields that have no usable default.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ipmi host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("ipmi username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("ipmi password is required")
	}
	return nil
}

// ExecInvoker launches the query tool as a subprocess. Exactly one
// subprocess is spawned per Run call; retries are the caller's concern.
type ExecInvoker struct {
	cfg Config
}

// NewExecInvoker returns an invoker for the given tool configuration.
func NewExecInvoker(cfg Config) *ExecInvoker {
	cfg.SetDefaults()
	return &ExecInvoker{cfg: cfg}
}

// Run executes the query with a hard wall-clock timeout. The subprocess is
// killed on timeout or context cancellation and partial output is
// discarded.
func (e *ExecInvoker) Run(ctx context.Context) (model.RawQueryResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	args := append(append([]string{}, e.cfg.Command[1:]...),
		e.cfg.Host, e.cfg.Username, e.cfg.Password, e.cfg.Mode)
	cmd := exec.CommandContext(runCtx, e.cfg.Command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := model.RawQueryResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return model.RawQueryResult{Duration: res.Duration},
			fmt.Errorf("%w: timeout after %ds", ErrInvocation, e.cfg.TimeoutSeconds)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The tool ran and failed; its exit code and stderr are data.
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return model.RawQueryResult{Duration: res.Duration},
			fmt.Errorf("%w: %s: %v", ErrInvocation, e.cfg.Command[0], err)
	}
	return res, nil
}

// String describes the invocation with the password redacted.
func (c Config) String() string {
	return fmt.Sprintf("%s %s %s **** %s", strings.Join(c.Command, " "), c.Host, c.Username, c.Mode)
}
