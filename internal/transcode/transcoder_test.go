package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"podforge/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := logger.Init(true); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeRunner simulates ffprobe/ffmpeg: the probe reports a fixed
// duration and each encode writes ceil(duration/segmentSeconds)
// segments plus a playlist into the requested output directory.
// Bitrates listed in failBitrates refuse to encode.
type fakeRunner struct {
	duration     float64
	segmentSecs  int
	failBitrates map[int]bool
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(fmt.Sprintf("%f\n", f.duration)), nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	var bitrate int
	var segmentPattern, playlistPath string

	for i, arg := range args {
		switch arg {
		case "-b:a":
			b, err := strconv.Atoi(strings.TrimSuffix(args[i+1], "k"))
			if err != nil {
				return err
			}
			bitrate = b
		case "-hls_segment_filename":
			segmentPattern = args[i+1]
		}
	}
	playlistPath = args[len(args)-1]

	if f.failBitrates[bitrate] {
		return fmt.Errorf("encoder rejected %dk", bitrate)
	}

	count := int(math.Ceil(f.duration / float64(f.segmentSecs)))
	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for i := 0; i < count; i++ {
		segPath := fmt.Sprintf(segmentPattern, i)
		if err := os.WriteFile(segPath, []byte("ts-data"), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(&playlist, "#EXTINF:%d.0,\n%s\n", f.segmentSecs, filepath.Base(segPath))
	}
	playlist.WriteString("#EXT-X-ENDLIST\n")

	return os.WriteFile(playlistPath, []byte(playlist.String()), 0o644)
}

func TestTranscodeFullLadder(t *testing.T) {
	runner := &fakeRunner{duration: 600, segmentSecs: 10}
	tr := NewTranscoder("ffmpeg", "ffprobe", 10).WithRunner(runner)

	result, err := tr.Transcode(context.Background(), "input.wav", []int{64, 128, 320})
	require.NoError(t, err)

	assert.Len(t, result.Renditions, 3)
	assert.Empty(t, result.FailedBitrates)
	assert.Equal(t, 600.0, result.DurationSeconds)

	master := string(result.MasterPlaylist)
	assert.Equal(t, 3, strings.Count(master, "#EXT-X-STREAM-INF"))
	assert.Contains(t, master, "BANDWIDTH=64000")
	assert.Contains(t, master, "BANDWIDTH=128000")
	assert.Contains(t, master, "BANDWIDTH=320000")
	assert.Contains(t, master, "64k/playlist.m3u8")

	// segment count x segment duration stays within one segment of the
	// source duration
	for _, rendition := range result.Renditions {
		covered := float64(len(rendition.Segments) * 10)
		assert.InDelta(t, result.DurationSeconds, covered, 10.0)

		assert.Equal(t, "segment_000.ts", rendition.Segments[0].Name)
		assert.NotEmpty(t, rendition.Playlist)
	}

	assert.Equal(t, 180, result.TotalSegments)
}

func TestTranscodePartialFailureKeepsSurvivors(t *testing.T) {
	runner := &fakeRunner{
		duration:     30,
		segmentSecs:  10,
		failBitrates: map[int]bool{128: true},
	}
	tr := NewTranscoder("ffmpeg", "ffprobe", 10).WithRunner(runner)

	result, err := tr.Transcode(context.Background(), "input.wav", []int{64, 128, 320})
	require.NoError(t, err)

	assert.Len(t, result.Renditions, 2)
	assert.Equal(t, []int{128}, result.FailedBitrates)

	master := string(result.MasterPlaylist)
	assert.Contains(t, master, "BANDWIDTH=64000")
	assert.NotContains(t, master, "BANDWIDTH=128000")
	assert.Contains(t, master, "BANDWIDTH=320000")
}

func TestTranscodeTotalFailure(t *testing.T) {
	runner := &fakeRunner{
		duration:     30,
		segmentSecs:  10,
		failBitrates: map[int]bool{64: true, 128: true, 320: true},
	}
	tr := NewTranscoder("ffmpeg", "ffprobe", 10).WithRunner(runner)

	_, err := tr.Transcode(context.Background(), "input.wav", []int{64, 128, 320})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRenditions)
}

func TestTranscodeDefaultLadder(t *testing.T) {
	runner := &fakeRunner{duration: 20, segmentSecs: 10}
	tr := NewTranscoder("ffmpeg", "ffprobe", 10).WithRunner(runner)

	result, err := tr.Transcode(context.Background(), "input.wav", nil)
	require.NoError(t, err)
	assert.Len(t, result.Renditions, len(DefaultBitrates))
}

func TestBuildMasterPlaylist(t *testing.T) {
	master := string(BuildMasterPlaylist([]int{64}))

	assert.True(t, strings.HasPrefix(master, "#EXTM3U\n"))
	assert.Contains(t, master, `#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"`)
	assert.Contains(t, master, "64k/playlist.m3u8")
}
