// Package processor provides job processors that run external programs.
package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/docflow/docflow/internal/job"
	"github.com/docflow/docflow/internal/queue"
)

// Command runs an external program for each job. The program receives its
// configured arguments followed by the job's input reference, and the job
// metadata in DOCFLOW_JOB_ID, DOCFLOW_JOB_TYPE and DOCFLOW_JOB_PARAMS.
//
// It reports back on stdout, one JSON object per line:
//
//	{"type":"progress","percent":40,"stage":"ocr","data":{...}}
//	{"type":"result","result":{...}}
//	{"type":"error","error":"unsupported encoding","permanent":true}
//
// Other lines are ignored. A non-zero exit status fails the job.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

// Process implements queue.Processor.
func (c *Command) Process(ctx context.Context, j *job.Job, progress queue.ProgressFunc) (any, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append(append([]string(nil), c.Args...), j.InputRef)
	cmd := exec.CommandContext(ctx, c.Path, args...)

	env, err := jobEnv(j)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	cmd.Env = append(append(filteredEnv(), c.Env...), env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, queue.Permanent(fmt.Errorf("start %s: %w", c.Path, err))
	}

	var (
		result   json.RawMessage
		reported error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		switch msg.Type {
		case "progress":
			if err := progress(msg.Percent, msg.Stage, msg.Data); err != nil {
				logger.Debug("progress rejected", "job_id", j.ID, "error", err)
			}
		case "result":
			result = msg.Result
		case "error":
			reported = errors.New(msg.Error)
			if msg.Permanent {
				reported = queue.Permanent(reported)
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if reported != nil {
		return nil, reported
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, fmt.Errorf("%s exited: %w", c.Path, waitErr)
		}
		return nil, fmt.Errorf("%s exited: %w: %s", c.Path, waitErr, detail)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if result == nil {
		return nil, nil
	}
	return result, nil
}

type message struct {
	Type      string          `json:"type"`
	Percent   int             `json:"percent"`
	Stage     string          `json:"stage"`
	Data      map[string]any  `json:"data"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Permanent bool            `json:"permanent"`
}

func parseLine(line []byte) (message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return message{}, false
	}
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		return message{}, false
	}
	switch m.Type {
	case "progress", "result", "error":
		return m, true
	}
	return message{}, false
}

func jobEnv(j *job.Job) ([]string, error) {
	params := []byte("{}")
	if len(j.Parameters) > 0 {
		b, err := json.Marshal(j.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		params = b
	}
	return []string{
		"DOCFLOW_JOB_ID=" + j.ID,
		"DOCFLOW_JOB_TYPE=" + j.JobType,
		"DOCFLOW_JOB_PARAMS=" + string(params),
	}, nil
}

// filteredEnv returns os.Environ() without DOCFLOW_ variables, which may hold
// API keys and other service settings.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "DOCFLOW_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}
