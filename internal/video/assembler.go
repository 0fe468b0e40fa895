// Package video wraps the ffmpeg binary for the two file-level operations the
// pipeline needs: concatenating finished videos and extracting the last frame
// of a video for the extension step.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vanch007/siliconflow-i2v/internal/platform/logger"
)

// Common errors returned by the assembler.
var (
	// ErrAssemblerUnavailable is returned when the ffmpeg binary cannot be
	// found. This is a permanent condition: callers must not retry.
	ErrAssemblerUnavailable = errors.New("ffmpeg is not available")

	// ErrMerge is returned when a concat run fails.
	ErrMerge = errors.New("video merge failed")

	// ErrFrameExtraction is returned when the last frame cannot be extracted.
	ErrFrameExtraction = errors.New("frame extraction failed")
)

// Assembler runs ffmpeg to merge videos and extract frames.
type Assembler struct {
	ffmpegPath string
	available  bool
	logger     *slog.Logger
}

// NewAssembler probes for the ffmpeg binary at the given path (or on PATH
// when the path is a bare command name) and returns an Assembler. A missing
// binary does not fail construction: the assembler is created unavailable and
// every operation returns ErrAssemblerUnavailable, so the rest of the
// pipeline keeps working without merge support.
func NewAssembler(ffmpegPath string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	a := &Assembler{
		ffmpegPath: ffmpegPath,
		logger:     logger.With(slog.String("component", "assembler")),
	}

	if err := exec.Command(ffmpegPath, "-version").Run(); err != nil {
		a.logger.Warn("ffmpeg not found, video merging disabled",
			slog.String("path", ffmpegPath),
			slog.Any("error", err))
		return a
	}
	a.available = true
	return a
}

// Available reports whether the ffmpeg binary was found at startup.
func (a *Assembler) Available() bool {
	return a.available
}

// Concat merges the given video files, in order, into a single new file in
// outputDir using the concat demuxer with stream copying (no re-encode).
// Returns the path of the merged file.
func (a *Assembler) Concat(ctx context.Context, paths []string, outputDir string) (string, error) {
	log := logger.FromContextOrDefault(ctx, a.logger)

	if !a.available {
		return "", ErrAssemblerUnavailable
	}
	if len(paths) < 2 {
		return "", fmt.Errorf("%w: need at least 2 videos, got %d", ErrMerge, len(paths))
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMerge, err)
	}

	// The concat demuxer reads its inputs from a list file, one
	// "file '<absolute path>'" line per video.
	listFile, err := os.CreateTemp("", "ffmpeg_list_*.txt")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMerge, err)
	}
	defer os.Remove(listFile.Name())

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			listFile.Close()
			return "", fmt.Errorf("%w: %v", ErrMerge, err)
		}
		if _, err := fmt.Fprintf(listFile, "file '%s'\n", abs); err != nil {
			listFile.Close()
			return "", fmt.Errorf("%w: %v", ErrMerge, err)
		}
	}
	if err := listFile.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMerge, err)
	}

	outputPath, err := filepath.Abs(filepath.Join(outputDir,
		fmt.Sprintf("merged_%s.mp4", time.Now().UTC().Format("20060102_150405"))))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMerge, err)
	}

	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-f", "concat",
		"-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		"-y",
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Error("ffmpeg concat failed",
			slog.Any("error", err),
			slog.String("output", string(out)))
		return "", fmt.Errorf("%w: %v", ErrMerge, err)
	}

	log.Info("videos merged",
		slog.Int("count", len(paths)),
		slog.String("output", outputPath))
	return outputPath, nil
}

// ExtractLastFrame writes the final frame of the video at videoPath as a JPEG
// into outputDir and returns the frame's path. The frame is the reference
// image for the extension step.
func (a *Assembler) ExtractLastFrame(ctx context.Context, videoPath, outputDir string) (string, error) {
	log := logger.FromContextOrDefault(ctx, a.logger)

	if !a.available {
		return "", ErrAssemblerUnavailable
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFrameExtraction, err)
	}

	outputPath := filepath.Join(outputDir,
		fmt.Sprintf("last_frame_%s.jpg", uuid.NewString()))

	// -sseof -1 seeks to one second before the end; -update 1 keeps
	// overwriting the output so the final write is the last frame.
	cmd := exec.CommandContext(ctx, a.ffmpegPath,
		"-sseof", "-1",
		"-i", videoPath,
		"-update", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Error("ffmpeg frame extraction failed",
			slog.Any("error", err),
			slog.String("output", string(out)))
		return "", fmt.Errorf("%w: %v", ErrFrameExtraction, err)
	}
	if fi, err := os.Stat(outputPath); err != nil || fi.Size() == 0 {
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: no frame written", ErrFrameExtraction)
	}

	log.Info("extracted last frame",
		slog.String("video", videoPath),
		slog.String("frame", outputPath))
	return outputPath, nil
}
