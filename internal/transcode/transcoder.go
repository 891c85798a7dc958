package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"podforge/pkg/logger"

	"go.uber.org/zap"
)

// ErrNoRenditions is returned when every bitrate of the ladder failed.
var ErrNoRenditions = errors.New("no bitrate produced a rendition")

// DefaultBitrates is the standard ladder in kbps.
var DefaultBitrates = []int{64, 128, 320}

const DefaultSegmentSeconds = 10

// Segment is one encoded media chunk.
type Segment struct {
	Name string
	Data []byte
}

// Rendition is the HLS output of one bitrate: its playlist and segments.
type Rendition struct {
	Bitrate  int
	Playlist []byte
	Segments []Segment
}

// Result bundles everything a successful transcode produced. A partial
// result (some bitrates failed) is still success; FailedBitrates lists
// the losses.
type Result struct {
	MasterPlaylist  []byte
	Renditions      []Rendition
	TotalSegments   int
	DurationSeconds float64
	FailedBitrates  []int
}

// Transcoder converts one audio file into a segmented multi-bitrate HLS
// set by driving ffmpeg/ffprobe through a Runner.
type Transcoder struct {
	ffmpegPath     string
	ffprobePath    string
	segmentSeconds int
	runner         Runner
}

func NewTranscoder(ffmpegPath, ffprobePath string, segmentSeconds int) *Transcoder {
	if segmentSeconds <= 0 {
		segmentSeconds = DefaultSegmentSeconds
	}
	return &Transcoder{
		ffmpegPath:     ffmpegPath,
		ffprobePath:    ffprobePath,
		segmentSeconds: segmentSeconds,
		runner:         ExecRunner{},
	}
}

// WithRunner overrides the command runner.
func (t *Transcoder) WithRunner(r Runner) *Transcoder {
	t.runner = r
	return t
}

// Transcode renders the input at every bitrate of the ladder. One
// failing bitrate does not abort the rest; only a fully failed ladder
// is an error. Each call works in its own scratch directory.
func (t *Transcoder) Transcode(ctx context.Context, inputPath string, bitrates []int) (*Result, error) {
	if len(bitrates) == 0 {
		bitrates = DefaultBitrates
	}

	duration, err := t.probeDuration(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "podforge-hls-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	result := &Result{DurationSeconds: duration}
	var succeeded []int
	var lastErr error

	for _, bitrate := range bitrates {
		rendition, err := t.convertBitrate(ctx, inputPath, scratch, bitrate)
		if err != nil {
			logger.Warn("Bitrate conversion failed",
				zap.Int("bitrate_kbps", bitrate),
				zap.Error(err))
			result.FailedBitrates = append(result.FailedBitrates, bitrate)
			lastErr = err
			continue
		}

		result.Renditions = append(result.Renditions, *rendition)
		result.TotalSegments += len(rendition.Segments)
		succeeded = append(succeeded, bitrate)
	}

	if len(result.Renditions) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoRenditions, lastErr)
	}

	result.MasterPlaylist = BuildMasterPlaylist(succeeded)

	logger.Info("Transcode finished",
		zap.Ints("bitrates", succeeded),
		zap.Ints("failed_bitrates", result.FailedBitrates),
		zap.Int("total_segments", result.TotalSegments),
		zap.Float64("duration_seconds", duration))

	return result, nil
}

// Duration comes from a single probe of the source, not from summing
// segment durations, so rounding drift never accumulates.
func (t *Transcoder) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	out, err := t.runner.Output(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to probe duration: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse probed duration %q: %w", strings.TrimSpace(string(out)), err)
	}

	return duration, nil
}

func (t *Transcoder) convertBitrate(ctx context.Context, inputPath, scratch string, bitrate int) (*Rendition, error) {
	outDir := filepath.Join(scratch, fmt.Sprintf("%dk", bitrate))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bitrate dir: %w", err)
	}

	playlistPath := filepath.Join(outDir, "playlist.m3u8")
	segmentPattern := filepath.Join(outDir, "segment_%03d.ts")

	err := t.runner.Run(ctx, t.ffmpegPath,
		"-y",
		"-i", inputPath,
		"-vn",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", bitrate),
		"-f", "hls",
		"-hls_time", strconv.Itoa(t.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	)
	if err != nil {
		return nil, err
	}

	playlist, err := os.ReadFile(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendition playlist: %w", err)
	}

	segments, err := readSegments(outDir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("encoder produced no segments for %dk", bitrate)
	}

	return &Rendition{
		Bitrate:  bitrate,
		Playlist: playlist,
		Segments: segments,
	}, nil
}

func readSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendition dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".ts") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	segments := make([]Segment, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", name, err)
		}
		segments = append(segments, Segment{Name: name, Data: data})
	}

	return segments, nil
}
