package commands

import "github.com/runicorn/runicorn/errors"

// errUsage marks command-line mistakes so main can exit 2 instead of 1.
var errUsage = errors.New("usage error")

// UsageError tags an error as a usage mistake.
func UsageError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errUsage)
}

// ExitCode maps an Execute error to the process exit code: 2 for usage
// mistakes, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}
