package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/clipforge/genqueue/internal/job"
)

// ErrNoResult is returned when the command exits cleanly without printing a result line.
var ErrNoResult = errors.New("generation command printed no result")

// Progress is one progress line printed by the generation command.
type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// ProgressFunc is called for each progress line.
type ProgressFunc func(p Progress)

// outputLine is the JSON-lines protocol spoken on the command's stdout.
type outputLine struct {
	Type      string  `json:"type"`
	Percent   float64 `json:"percent"`
	Message   string  `json:"message"`
	ResultRef string  `json:"result_ref"`
	Error     string  `json:"error"`
}

// Run executes the generation command for j and returns the result reference
// it printed. The job is written as JSON to the command's stdin.
func Run(ctx context.Context, command string, j *job.Job, onProgress ProgressFunc) (string, error) {
	input, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	cmd := exec.CommandContext(ctx, command)
	cmd.Env = append(filteredEnv(),
		"GENQUEUE_JOB_ID="+j.ID,
		"GENQUEUE_JOB_KIND="+string(j.Kind),
		fmt.Sprintf("GENQUEUE_JOB_ATTEMPT=%d", j.Attempts),
	)
	cmd.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", command, err)
	}

	var resultRef, reported string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		switch line.Type {
		case "progress":
			if onProgress != nil {
				onProgress(Progress{Percent: line.Percent, Message: line.Message})
			}
		case "result":
			resultRef = line.ResultRef
		case "error":
			reported = line.Error
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Prefer the command's own error line over raw stderr.
		detail := reported
		if detail == "" {
			detail = strings.TrimSpace(stderr.String())
		}
		return "", fmt.Errorf("%s exited: %w: %s", command, err, detail)
	}
	if reported != "" {
		return "", errors.New(reported)
	}
	if resultRef == "" {
		return "", ErrNoResult
	}
	return resultRef, nil
}

// filteredEnv returns os.Environ() without the agent's own GENWORKER_ settings,
// which include the scheduler API key.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "GENWORKER_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

func parseLine(b []byte) (outputLine, bool) {
	var line outputLine
	if len(bytes.TrimSpace(b)) == 0 {
		return line, false
	}
	if err := json.Unmarshal(b, &line); err != nil || line.Type == "" {
		return line, false
	}
	return line, true
}
