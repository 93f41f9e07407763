package bridge

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	shlex "github.com/anmitsu/go-shlex"

	"github.com/baaaht/mqbus/internal/logger"
	"github.com/baaaht/mqbus/pkg/types"
)

// waitDelay bounds how long Run waits on output held open by orphaned children
const waitDelay = time.Second

// Validator decides whether a token authorizes an address
type Validator interface {
	Validate(ctx context.Context, address, token string) (bool, error)
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(ctx context.Context, address, token string) (bool, error)

// Validate calls f
func (f ValidatorFunc) Validate(ctx context.Context, address, token string) (bool, error) {
	return f(ctx, address, token)
}

// CommandValidator runs an external program once per decision. The program
// receives the address and the token as its last two arguments and approves
// by exiting 0.
type CommandValidator struct {
	argv   []string
	logger *logger.Logger
}

// NewCommandValidator splits command with POSIX shell rules
func NewCommandValidator(command string, log *logger.Logger) (*CommandValidator, error) {
	argv, err := shlex.Split(command, true)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to parse validator command", err)
	}
	if len(argv) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "validator command is empty")
	}
	return &CommandValidator{
		argv:   argv,
		logger: logger.OrDefault(log, "validator"),
	}, nil
}

// Argv returns the full argument vector for one invocation. The template is
// never modified.
func (v *CommandValidator) Argv(address, token string) []string {
	argv := make([]string, 0, len(v.argv)+2)
	argv = append(argv, v.argv...)
	return append(argv, address, token)
}

// Validate runs the program. A non-zero exit is a rejection, not an error.
func (v *CommandValidator) Validate(ctx context.Context, address, token string) (bool, error) {
	argv := v.Argv(address, token)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, types.WrapError(types.ErrCodeTimeout, "validator did not finish", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		v.logger.Debug("Validator rejected",
			"address", address,
			"exit_code", exitErr.ExitCode(),
			"stderr", strings.TrimSpace(stderr.String()))
		return false, nil
	}
	return false, types.WrapError(types.ErrCodeUnavailable, "failed to run validator "+argv[0], err)
}

// String returns the command template
func (v *CommandValidator) String() string {
	return strings.Join(v.argv, " ")
}
