package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/runner"
)

// EnvelopeSampleRate is the mono rate the analyzer decodes audio at.
const EnvelopeSampleRate = 11025

// MediaInfo is the subset of ffprobe output the pipeline needs.
type MediaInfo struct {
	DurationSeconds float64
	HasAudio        bool
	HasVideo        bool
	Width           int
	Height          int
}

// ClipSpec is the common format every clip is normalized to before concatenation.
type ClipSpec struct {
	Width  int
	Height int
	FPS    int
	CRF    int
	Frames int
}

// Seconds is the exact length of a clip with Frames frames.
func (c ClipSpec) Seconds() float64 {
	if c.FPS <= 0 {
		return 0
	}
	return float64(c.Frames) / float64(c.FPS)
}

// FFmpegService wraps the ffmpeg and ffprobe binaries.
type FFmpegService struct {
	ffmpeg  string
	ffprobe string
	run     runner.Runner
	log     logrus.FieldLogger
}

func NewFFmpegService(ffmpegPath, ffprobePath string, run runner.Runner, log logrus.FieldLogger) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegService{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		run:     run,
		log:     logging.Component(log, "ffmpeg"),
	}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Probe reads container duration and stream layout.
func (s *FFmpegService) Probe(ctx context.Context, path string) (MediaInfo, error) {
	var stdout bytes.Buffer
	res := s.run.Run(ctx, runner.Command{
		Name:   s.ffprobe,
		Args:   []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path},
		Stdout: &stdout,
	})
	if !res.Success() {
		return MediaInfo{}, fmt.Errorf("ffprobe failed (exit %d): %s", res.ExitCode, strings.TrimSpace(runner.Truncate(res.StderrTail, 512)))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	var info MediaInfo
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("failed to parse duration %q: %w", out.Format.Duration, err)
		}
		info.DurationSeconds = d
	}
	for _, st := range out.Streams {
		switch st.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			if !info.HasVideo {
				info.Width, info.Height = st.Width, st.Height
			}
			info.HasVideo = true
		}
		if info.DurationSeconds == 0 && st.Duration != "" {
			if d, err := strconv.ParseFloat(st.Duration, 64); err == nil {
				info.DurationSeconds = d
			}
		}
	}
	return info, nil
}

// DecodePCM streams the track as signed 16-bit little-endian mono samples into w.
func (s *FFmpegService) DecodePCM(ctx context.Context, path string, sampleRate int, w io.Writer) error {
	if sampleRate <= 0 {
		sampleRate = EnvelopeSampleRate
	}
	res := s.run.Run(ctx, runner.Command{
		Name: s.ffmpeg,
		Args: []string{
			"-v", "error",
			"-i", path,
			"-vn",
			"-ac", "1",
			"-ar", strconv.Itoa(sampleRate),
			"-f", "s16le",
			"-acodec", "pcm_s16le",
			"pipe:1",
		},
		Stdout: w,
	})
	if !res.Success() {
		return fmt.Errorf("ffmpeg decode failed (exit %d): %s", res.ExitCode, strings.TrimSpace(runner.Truncate(res.StderrTail, 512)))
	}
	return nil
}

// NormalizeClip re-encodes a take to the output format. Short takes hold their last frame; long takes
// are cut at spec.Frames.
func (s *FFmpegService) NormalizeClip(ctx context.Context, inputPath, outputPath string, spec ClipSpec) error {
	s.log.Debugf("[FFmpeg] Normalizing %s to %dx%d@%d (%d frames)", filepath.Base(inputPath), spec.Width, spec.Height, spec.FPS, spec.Frames)
	return s.exec(ctx, "normalize", normalizeArgs(inputPath, outputPath, spec))
}

// RenderFiller writes a black clip standing in for a missing shot.
func (s *FFmpegService) RenderFiller(ctx context.Context, outputPath string, spec ClipSpec) error {
	s.log.Infof("[FFmpeg] Rendering %.3fs black filler", spec.Seconds())
	return s.exec(ctx, "filler", fillerArgs(outputPath, spec))
}

// ConcatenateClips joins clips with the concat demuxer, without re-encoding. The list file
// is written to listPath in the given order and kept for inspection.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, listPath, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}
	if err := fsutil.WriteBytes(listPath, []byte(ConcatList(clipPaths))); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	args := []string{
		"-v", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
	return s.exec(ctx, "concatenate", args)
}

// MuxAudio lays the original track under the video, padding or trimming the picture to
// audioSeconds.
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string, audioSeconds float64) error {
	return s.exec(ctx, "mux", muxArgs(videoPath, audioPath, outputPath, audioSeconds))
}

// ExtractPreview grabs a single PNG frame at the given offset.
func (s *FFmpegService) ExtractPreview(ctx context.Context, videoPath, outputPath string, atSeconds float64) error {
	if atSeconds < 0 {
		atSeconds = 0
	}
	args := []string{
		"-v", "error",
		"-ss", formatSeconds(atSeconds),
		"-i", videoPath,
		"-frames:v", "1",
		"-y",
		outputPath,
	}
	return s.exec(ctx, "preview", args)
}

func (s *FFmpegService) exec(ctx context.Context, op string, args []string) error {
	res := s.run.Run(ctx, runner.Command{Name: s.ffmpeg, Args: args})
	if res.Cancelled || res.TimedOut {
		return fmt.Errorf("ffmpeg %s interrupted: %w", op, ctx.Err())
	}
	if !res.Success() {
		return fmt.Errorf("ffmpeg %s failed (exit %d): %s", op, res.ExitCode, strings.TrimSpace(runner.Truncate(res.StderrTail, 1024)))
	}
	return nil
}

// NormalizeFilter is the scale/pad/fps chain applied to every take.
func NormalizeFilter(spec ClipSpec) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,fps=%d,format=yuv420p,tpad=stop_mode=clone:stop_duration=%s",
		spec.Width, spec.Height, spec.Width, spec.Height, spec.FPS, formatSeconds(spec.Seconds()),
	)
}

func normalizeArgs(inputPath, outputPath string, spec ClipSpec) []string {
	return []string{
		"-v", "error",
		"-i", inputPath,
		"-vf", NormalizeFilter(spec),
		"-frames:v", strconv.Itoa(spec.Frames),
		"-r", strconv.Itoa(spec.FPS),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(spec.CRF),
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	}
}

func fillerArgs(outputPath string, spec ClipSpec) []string {
	source := fmt.Sprintf("color=c=black:s=%dx%d:r=%d", spec.Width, spec.Height, spec.FPS)
	return []string{
		"-v", "error",
		"-f", "lavfi",
		"-i", source,
		"-frames:v", strconv.Itoa(spec.Frames),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(spec.CRF),
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	}
}

func muxArgs(videoPath, audioPath, outputPath string, audioSeconds float64) []string {
	return []string{
		"-v", "error",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-vf", fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%s", formatSeconds(audioSeconds)),
		"-t", formatSeconds(audioSeconds),
		"-c:v", "libx264",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
}

// ConcatList renders the concat demuxer list for paths, in order.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// Cleanup removes temporary files
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("[FFmpeg] Cleanup %s: %v", path, err)
		}
	}
}
