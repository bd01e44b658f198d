package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// parseCommand splits a shell-style command line into argv tokens, honoring
// single quotes, double quotes, and backslash escapes.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
	)

	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == '\'':
			if !inDouble {
				inSingle = !inSingle
				continue
			}
			current.WriteRune(r)
		case r == '"':
			if !inSingle {
				inDouble = !inDouble
				continue
			}
			current.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", command)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}

// runCommand executes a command in dir, streaming combined output line by
// line to emit. It returns the process exit code; a non-zero exit is not an
// error by itself.
func runCommand(ctx context.Context, command, dir string, env map[string]string, emit func(string)) (int, error) {
	args, err := parseCommand(command)
	if err != nil {
		return 0, err
	}
	if len(args) == 0 {
		return 0, nil
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envList(env)...)

	w := &commandOutput{emit: emit}
	cmd.Stdout = w
	cmd.Stderr = w

	runErr := cmd.Run()
	w.flush()

	if runErr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("command %s: %w", args[0], runErr)
	}
	return 0, nil
}

// envList flattens an environment map into KEY=VALUE form.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// commandOutput splits a process output stream into lines for emit.
type commandOutput struct {
	emit func(string)
	buf  []byte
}

func (w *commandOutput) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := -1
		for i, b := range w.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:idx]), "\r")
		w.buf = w.buf[idx+1:]
		if w.emit != nil {
			w.emit(line)
		}
	}
	return len(p), nil
}

func (w *commandOutput) flush() {
	if len(w.buf) == 0 {
		return
	}
	if w.emit != nil {
		w.emit(string(w.buf))
	}
	w.buf = nil
}
