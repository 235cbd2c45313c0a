package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/willibrandon/pgrab/internal/db"
)

// Kind classifies a run failure.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindConnectivity
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindRuntime:
		return "sync"
	default:
		return "unknown"
	}
}

// ExitCode maps a kind to the process exit status.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfiguration:
		return 2
	case KindConnectivity:
		return 3
	case KindRuntime:
		return 4
	default:
		return 1
	}
}

// Error is a classified run failure.
type Error struct {
	Kind Kind
	// Source is set for connectivity errors.
	Source db.Source
	Err    error
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func configError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

func runtimeError(err error) *Error {
	return &Error{Kind: KindRuntime, Err: err}
}

func connectivityError(err error) *Error {
	e := &Error{Kind: KindConnectivity, Err: err}
	var se *db.SourceError
	if errors.As(err, &se) {
		e.Source = se.Source
		e.Err = se.Err
	}
	return e
}

// ExitCode returns the exit status for err. Unclassified errors exit 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.ExitCode()
	}
	return 1
}

// Describe renders err for the terminal, adding troubleshooting steps for
// connectivity failures.
func Describe(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConnectivity {
		return fmt.Sprintf("Cannot reach the %s database.\n\n%s", e.Source, FormatConnectionError(e.Err))
	}
	return err.Error()
}

// FormatConnectionError formats a connection error with actionable guidance
func FormatConnectionError(err error) string {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "connection refused"):
		return fmt.Sprintf(
			"Connection refused: PostgreSQL is not accepting connections.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Verify PostgreSQL is running on the configured host\n"+
				"  2. Check that it listens on the expected port\n"+
				"  3. For a remote replica, check VPN or SSH tunnel status\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "password authentication failed"), strings.Contains(errMsg, "authentication failed"):
		return fmt.Sprintf(
			"Authentication failed: invalid username or password.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Check the user and password in .pgrab.yaml\n"+
				"  2. If the password is a $VARIABLE, make sure it is exported\n"+
				"  3. If the connection is a command, run it by hand and inspect its output\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "database") && strings.Contains(errMsg, "does not exist"):
		return fmt.Sprintf(
			"Database does not exist.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Verify the database name in .pgrab.yaml\n"+
				"  2. Create the local database: createdb <database_name>\n"+
				"  3. Or run pgrab --schema-only to create it from the remote schema\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "no such host"), strings.Contains(errMsg, "unknown host"):
		return fmt.Sprintf(
			"Host not found: cannot resolve hostname.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Verify the hostname in .pgrab.yaml\n"+
				"  2. Check DNS resolution: ping <hostname>\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "timed out"), strings.Contains(errMsg, "deadline exceeded"):
		return fmt.Sprintf(
			"Connection timeout: the database did not respond in time.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Check network connectivity to the database server\n"+
				"  2. If a setup command opens a tunnel, make sure it finished\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "SSL"), strings.Contains(errMsg, "TLS"):
		return fmt.Sprintf(
			"SSL/TLS error: secure connection failed.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Add sslmode to the connection parameters\n"+
				"  2. Check whether the server requires SSL (pg_hba.conf)\n"+
				"\nOriginal error: %s", errMsg)

	case strings.Contains(errMsg, "permission denied"):
		return fmt.Sprintf(
			"Permission denied: the user lacks required privileges.\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Verify the user has CONNECT privilege on the database\n"+
				"  2. Grant permissions: GRANT CONNECT ON DATABASE <db> TO <user>\n"+
				"\nOriginal error: %s", errMsg)
	}

	return fmt.Sprintf(
		"Database connection error:\n\n"+
			"%s\n\n"+
			"Check the local and remote settings in .pgrab.yaml.\n"+
			"Run with --debug for detailed logs.", errMsg)
}

// FormatSetupError formats a failure of the configured setup command.
func FormatSetupError(err error, command string) string {
	errMsg := err.Error()
	if strings.Contains(errMsg, "executable file not found") || strings.Contains(errMsg, "not found") {
		return fmt.Sprintf(
			"Setup command not found.\n\n"+
				"Command: %s\n\n"+
				"Troubleshooting steps:\n"+
				"  1. Verify the command is in your PATH\n"+
				"  2. Use an absolute path to the executable\n"+
				"\nOriginal error: %s", command, errMsg)
	}
	return fmt.Sprintf(
		"Setup command failed.\n\n"+
			"Command: %s\n\n"+
			"Run it by hand to see its output.\n"+
			"\nOriginal error: %s", command, errMsg)
}
