package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// connectionCommandTimeout bounds a connection command such as a secrets
// manager lookup.
const connectionCommandTimeout = 30 * time.Second

// ErrConnection is returned when connection parameters cannot be resolved.
var ErrConnection = errors.New("cannot resolve connection parameters")

// IsURI reports whether s is a postgres:// or postgresql:// URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

// IsEnvReference reports whether s is a bare $NAME reference.
func IsEnvReference(s string) bool {
	if len(s) < 2 || s[0] != '$' {
		return false
	}
	for _, r := range s[1:] {
		if !(r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// ResolveConnection turns a configured connection spec into a URI. The spec
// is a URI string, a mapping of connection parameters whose $NAME values are
// read from the environment, or a shell command that prints either of those
// (the mapping as JSON or YAML).
func ResolveConnection(ctx context.Context, spec any) (string, error) {
	switch v := spec.(type) {
	case nil:
		return "", nil
	case string:
		v = strings.TrimSpace(v)
		switch {
		case v == "":
			return "", nil
		case IsURI(v):
			return v, nil
		}
		return fromCommand(ctx, v)
	case map[string]any:
		return EncodeParams(v), nil
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = val
		}
		return EncodeParams(m), nil
	default:
		return "", fmt.Errorf("%w: unsupported value of type %T", ErrConnection, spec)
	}
}

func fromCommand(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, connectionCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: command timed out: %s", ErrConnection, command)
		}
		return "", fmt.Errorf("%w: command failed: %v (stderr: %s)", ErrConnection, err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if IsURI(out) {
		return out, nil
	}

	var params map[string]any
	if err := yaml.Unmarshal([]byte(out), &params); err != nil || len(params) == 0 {
		return "", fmt.Errorf("%w: unable to derive a connection string from the command output: %q", ErrConnection, out)
	}
	return EncodeParams(params), nil
}

// EncodeParams builds a URI from user, password, host, port and database.
// Missing values default to the current OS user on localhost:5432. Any other
// keys become query parameters.
func EncodeParams(params map[string]any) string {
	get := func(key string) string {
		v, ok := params[key]
		if !ok || v == nil {
			return ""
		}
		s := fmt.Sprint(v)
		if IsEnvReference(s) {
			return os.Getenv(s[1:])
		}
		return s
	}

	osUser := os.Getenv("USER")
	user := firstNonEmpty(get("user"), osUser)
	database := firstNonEmpty(get("database"), get("dbname"), osUser)
	host := firstNonEmpty(get("host"), "localhost")
	port := firstNonEmpty(get("port"), strconv.Itoa(5432))

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + database,
	}
	if password := get("password"); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}

	known := map[string]bool{"user": true, "password": true, "host": true, "port": true, "database": true, "dbname": true}
	var extra []string
	for k := range params {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		q := url.Values{}
		for _, k := range extra {
			q.Set(k, get(k))
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
