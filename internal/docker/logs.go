package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrContainerNotFound is returned when the engine does not know the
// container.
var ErrContainerNotFound = errors.New("container not found")

const maxLogLine = 1 << 20

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// LogLine is one line of container output. Timestamp is the engine's, or
// zero when the line carried none.
type LogLine struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamLogs follows the stdout and stderr of the named container from since
// on. The channel is closed once ctx ends, the container stops or the stream
// fails.
func (d *DockerClient) StreamLogs(ctx context.Context, name string, since time.Time) (<-chan LogLine, error) {
	if d.cli == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339Nano)
	}

	reader, err := d.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return nil, logsError(name, err)
	}

	lines := make(chan LogLine)
	go func() {
		defer close(lines)
		defer reader.Close()

		readLogLines(reader, func(line LogLine) bool {
			select {
			case lines <- line:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return lines, nil
}

// TailLogs returns the last n lines the named container wrote.
func (d *DockerClient) TailLogs(ctx context.Context, name string, n int) ([]LogLine, error) {
	if d.cli == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}

	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return nil, logsError(name, err)
	}
	defer reader.Close()

	out := []LogLine{}
	readLogLines(reader, func(line LogLine) bool {
		out = append(out, line)
		return true
	})
	return out, nil
}

func logsError(name string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}
	return fmt.Errorf("failed to read logs of %s: %w", name, err)
}

// readLogLines demultiplexes an engine log stream and hands every non-empty
// line to emit until emit returns false or the stream ends.
func readLogLines(r io.Reader, emit func(LogLine) bool) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		line, ok := parseLogLine(scanner.Text())
		if !ok {
			continue
		}
		if !emit(line) {
			return
		}
	}
}

// parseLogLine splits the engine's RFC 3339 timestamp prefix off a line and
// strips terminal escapes and control characters from the rest.
func parseLogLine(raw string) (LogLine, bool) {
	raw = strings.TrimSpace(raw)

	var ts time.Time
	if idx := strings.IndexByte(raw, ' '); idx > 0 && idx < 50 {
		if parsed, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			ts = parsed
			raw = raw[idx+1:]
		}
	} else if _, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return LogLine{}, false
	}

	text := cleanLogLine(ansiEscape.ReplaceAllString(raw, ""))
	if text == "" {
		return LogLine{}, false
	}
	return LogLine{Text: text, Timestamp: ts}, true
}

func cleanLogLine(line string) string {
	line = strings.TrimSpace(line)

	cleaned := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b == '\t' {
			cleaned = append(cleaned, ' ')
			continue
		}
		if b < 32 || b == 127 {
			continue
		}
		cleaned = append(cleaned, b)
	}

	return strings.TrimSpace(string(cleaned))
}
