package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/derivflow/internal/tempfs"
)

// FFmpeg extracts frames with ffmpeg and probes with ffprobe. Assets must
// live on the OS filesystem.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

func (f FFmpeg) ExtractFrame(ctx context.Context, src, dst *tempfs.Asset, offset time.Duration) error {
	bin := f.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	// -ss before -i seeks on the demuxer, which is fast and lands on the
	// nearest keyframe
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", formatSeconds(offset),
		"-i", src.Path(),
		"-frames:v", "1",
		"-pix_fmt", "yuvj420p",
		"-q:v", "2",
		"-y",
		dst.Path(),
	}

	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f FFmpeg) Probe(ctx context.Context, src *tempfs.Asset) (Probe, error) {
	bin := f.FFprobePath
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		src.Path(),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(string(out)), nil
}

// parseProbe reads ffprobe key=value output. The stream duration wins over
// the container duration when both are present.
func parseProbe(output string) Probe {
	var p Probe
	var streamDur, formatDur float64
	seenDuration := 0

	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				p.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				p.Height = h
			}
		case "duration":
			d, err := strconv.ParseFloat(value, 64)
			if err != nil || math.IsNaN(d) || d < 0 {
				seenDuration++
				continue
			}
			// stream entries print before format entries
			if seenDuration == 0 {
				streamDur = d
			} else {
				formatDur = d
			}
			seenDuration++
		}
	}

	secs := streamDur
	if secs == 0 {
		secs = formatDur
	}
	p.Duration = time.Duration(secs * float64(time.Second))
	return p
}

func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
