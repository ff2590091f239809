package merge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaoshenming/bilibili-server/internal/metrics"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

var tracer = otel.Tracer("merge-runner")

// Runner executes one merge of a video and an audio stream into outputPath.
type Runner interface {
	Run(ctx context.Context, videoPath, audioPath, outputPath string, onProgress func(percent float64)) error
}

// FFmpegRunner merges streams by invoking ffmpeg as a subprocess. The video
// track is copied as-is; only the audio track is re-encoded to AAC.
type FFmpegRunner struct {
	binary    string
	newParser func() ProgressParser
	log       *slog.Logger
}

// NewFFmpegRunner creates a runner around the given ffmpeg binary path.
func NewFFmpegRunner(binary string, log *slog.Logger) *FFmpegRunner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegRunner{
		binary:    binary,
		newParser: NewFFmpegProgressParser,
		log:       log,
	}
}

// Run executes the merge command and streams progress from stderr.
func (r *FFmpegRunner) Run(ctx context.Context, videoPath, audioPath, outputPath string, onProgress func(percent float64)) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-merge")
	defer span.End()

	start := time.Now()

	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-strict", "experimental",
		"-y", outputPath,
	}
	cmd := exec.CommandContext(ctx, r.binary, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", models.ErrProcessSpawn, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", models.ErrProcessSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrProcessSpawn, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.monitorStderr(ctx, stderrPipe, onProgress)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: context canceled", models.ErrEncodeFailed)
		}
		return fmt.Errorf("%w: %v", models.ErrEncodeFailed, cmdErr)
	}

	elapsed := time.Since(start)
	metrics.MergeDuration.Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Float64("merge.duration_seconds", elapsed.Seconds()))
	return nil
}

// monitorStderr parses encoder output for progress and surfaces error lines.
func (r *FFmpegRunner) monitorStderr(ctx context.Context, pipe io.Reader, onProgress func(percent float64)) {
	parser := r.newParser()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if pct, ok := parser.Feed(line); ok {
			if onProgress != nil {
				onProgress(pct)
			}
			r.log.Debug("Merge progress", "percent", fmt.Sprintf("%.1f", pct))
		}
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("Merge output scanner error", "error", err)
	}
}
