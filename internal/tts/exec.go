package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external engine once per request. The request is written
// to stdin as JSON and a single WireResponse is read from stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyText
	}
	payload := newWireRequest(req)
	payload.SampleRate = e.sampleRate
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	// Engines hold model state per process; one call at a time.
	e.mu.Lock()
	defer e.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Result{}, fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return Result{}, fmt.Errorf("tts command failed: %w", err)
	}

	var resp WireResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Result{}, fmt.Errorf("decode tts response: %w", err)
	}
	res, err := DecodeResult(resp)
	if err != nil {
		return Result{}, err
	}
	if res.SampleRate == 0 {
		res.SampleRate = uint32(e.sampleRate)
	}
	return res, nil
}
