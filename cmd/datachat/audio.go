package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/vango-go/datachat/pkg/core/voice"
)

const micSampleRateHz = 16000

// ffmpegMic records the default input device as WAV on ffmpeg's stdout.
type ffmpegMic struct{}

func newFFmpegMic() (voice.Capturer, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for /listen (install ffmpeg and ensure it is in PATH)")
	}
	return ffmpegMic{}, nil
}

func (ffmpegMic) Start(ctx context.Context) (io.ReadCloser, error) {
	args, err := micFFmpegArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &processReader{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "linux":
		input = []string{"-f", "pulse", "-i", "default"}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", "1", "-ar", fmt.Sprintf("%d", micSampleRateHz),
		"-f", "wav", "-",
	), nil
}

type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (p *processReader) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// ffplayPlayer plays whatever audio container is written to its stdin.
type ffplayPlayer struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFplayPlayer() (io.WriteCloser, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for /speak (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	cmd := exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "error", "-i", "pipe:0")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &ffplayPlayer{cmd: cmd, stdin: stdin}, nil
}

func (p *ffplayPlayer) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return 0, errors.New("ffplay is closed")
	}
	return p.stdin.Write(data)
}

// Close ends the input and waits for playback to finish.
func (p *ffplayPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	_ = p.stdin.Close()
	p.stdin = nil
	return p.cmd.Wait()
}
