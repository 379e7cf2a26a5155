package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"redub/internal/services"
	"redub/internal/stage"
)

const (
	// FFmpegCommand is the default encoder binary name.
	FFmpegCommand = "ffmpeg"
	// FFprobeCommand is the default prober binary name.
	FFprobeCommand = "ffprobe"

	defaultFPS          = 30
	defaultCRF          = 20
	defaultPreset       = "medium"
	defaultAudioBitrate = "192k"
	defaultResolution   = "1920x1080"
)

// Config captures the encoder settings and timeouts.
type Config struct {
	FFmpegBinary   string
	FFprobeBinary  string
	Font           string
	SegmentTimeout time.Duration
	ConcatTimeout  time.Duration
}

var _ stage.Media = (*FFmpeg)(nil)

// FFmpeg drives the ffmpeg and ffprobe binaries and satisfies stage.Media.
type FFmpeg struct {
	cfg           Config
	commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPath      func(name string) (string, error)
}

// NewFFmpeg constructs a media service with the given configuration.
func NewFFmpeg(cfg Config) *FFmpeg {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = FFmpegCommand
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = FFprobeCommand
	}
	return &FFmpeg{cfg: cfg, lookPath: exec.LookPath}
}

// WithCommandRunner sets a custom command runner (for testing).
func (f *FFmpeg) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	f.commandRunner = runner
}

// WithLookPath sets a custom binary resolver (for testing).
func (f *FFmpeg) WithLookPath(lookPath func(name string) (string, error)) {
	if lookPath != nil {
		f.lookPath = lookPath
	}
}

// EncodeSegment renders one chapter segment: the still image looped over the
// narration audio, with overlays and fades burned in.
func (f *FFmpeg) EncodeSegment(ctx context.Context, req stage.SegmentRequest) error {
	if req.ImagePath == "" || req.AudioPath == "" || req.OutputPath == "" {
		return services.Wrap(services.ErrValidation, "media", "encode segment", "image, audio, and output paths required", nil)
	}
	width, height, err := parseResolution(req.Resolution)
	if err != nil {
		return services.Wrap(services.ErrValidation, "media", "encode segment", err.Error(), nil)
	}
	duration, err := f.probeDuration(ctx, req.AudioPath)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "media", "encode segment", "probe narration audio", err)
	}

	fps := req.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	crf := req.CRF
	if crf <= 0 {
		crf = defaultCRF
	}
	preset := req.Preset
	if preset == "" {
		preset = defaultPreset
	}
	audioBitrate := req.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = defaultAudioBitrate
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-loop", "1",
		"-framerate", strconv.Itoa(fps),
		"-i", req.ImagePath,
		"-i", req.AudioPath,
		"-vf", f.segmentFilter(width, height, duration, req),
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", "48000",
		"-movflags", "+faststart",
		"-shortest",
		req.OutputPath,
	}
	ctx, cancel := withTimeout(ctx, f.cfg.SegmentTimeout)
	defer cancel()
	if _, err := f.run(ctx, f.cfg.FFmpegBinary, args...); err != nil {
		return classifyRunError("encode segment", err)
	}
	return nil
}

// Concat joins encoded segments into one file using the concat demuxer in
// stream-copy mode, so the draft assembly never re-encodes.
func (f *FFmpeg) Concat(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return services.Wrap(services.ErrValidation, "media", "concat", "no segments to join", nil)
	}
	if outputPath == "" {
		return services.Wrap(services.ErrValidation, "media", "concat", "output path required", nil)
	}
	listPath, err := writeConcatList(segmentPaths, outputPath)
	if err != nil {
		return services.Wrap(services.ErrValidation, "media", "concat", "write concat list", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	ctx, cancel := withTimeout(ctx, f.cfg.ConcatTimeout)
	defer cancel()
	if _, err := f.run(ctx, f.cfg.FFmpegBinary, args...); err != nil {
		return classifyRunError("concat", err)
	}
	return nil
}

// ExtractAudio pulls the audio track from a video into a standalone file.
// The codec follows the destination extension: .wav produces mono 16kHz PCM,
// anything else a mono 16kHz MP3 small enough for transcription upload limits.
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	if videoPath == "" || audioPath == "" {
		return services.Wrap(services.ErrValidation, "media", "extract audio", "video and audio paths required", nil)
	}
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", "16000",
	}
	if strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		args = append(args, "-c:a", "pcm_s16le")
	} else {
		args = append(args, "-c:a", "libmp3lame", "-b:a", "64k")
	}
	args = append(args, audioPath)
	if _, err := f.run(ctx, f.cfg.FFmpegBinary, args...); err != nil {
		return classifyRunError("extract audio", err)
	}
	return nil
}

// Probe inspects a media file and reports duration, size, and codecs.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*stage.ProbeResult, error) {
	if path == "" {
		return nil, services.Wrap(services.ErrValidation, "media", "probe", "path required", nil)
	}
	output, err := f.run(ctx, f.cfg.FFprobeBinary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, classifyRunError("probe", err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "media", "probe", "parse ffprobe output", err)
	}

	result := &stage.ProbeResult{}
	if payload.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil {
			result.DurationSeconds = duration
		}
	}
	if payload.Format.Size != "" {
		if size, err := strconv.ParseInt(payload.Format.Size, 10, 64); err == nil {
			result.SizeBytes = size
		}
	}
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = stream.CodecName
				if stream.Width > 0 && stream.Height > 0 {
					result.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
				}
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = stream.CodecName
			}
		}
	}
	return result, nil
}

// HealthCheck verifies both binaries resolve on PATH.
func (f *FFmpeg) HealthCheck(ctx context.Context) stage.Health {
	_ = ctx
	if _, err := f.lookPath(f.cfg.FFmpegBinary); err != nil {
		return stage.Unhealthy("media", fmt.Sprintf("%s not found", f.cfg.FFmpegBinary))
	}
	if _, err := f.lookPath(f.cfg.FFprobeBinary); err != nil {
		return stage.Unhealthy("media", fmt.Sprintf("%s not found", f.cfg.FFprobeBinary))
	}
	return stage.Healthy("media")
}

// segmentFilter builds the -vf chain: scale and pad to the target canvas,
// fades, then one drawtext per overlay.
func (f *FFmpeg) segmentFilter(width, height int, duration float64, req stage.SegmentRequest) string {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height),
	}
	if req.FadeIn > 0 {
		filters = append(filters, fmt.Sprintf("fade=t=in:st=0:d=%s", formatSeconds(req.FadeIn)))
	}
	if req.FadeOut > 0 {
		start := duration - req.FadeOut
		if start < 0 {
			start = 0
		}
		filters = append(filters, fmt.Sprintf("fade=t=out:st=%s:d=%s", formatSeconds(start), formatSeconds(req.FadeOut)))
	}
	for _, overlay := range req.Overlays {
		text := strings.TrimSpace(overlay.Text)
		if text == "" {
			continue
		}
		draw := fmt.Sprintf("drawtext=text='%s':%s:fontsize=48:fontcolor=white:borderw=2:bordercolor=black",
			escapeDrawText(text), overlayPosition(overlay.Position))
		if f.cfg.Font != "" {
			draw += ":fontfile=" + escapeDrawText(f.cfg.Font)
		}
		if overlay.EndSeconds > overlay.StartSeconds {
			draw += fmt.Sprintf(":enable='between(t,%s,%s)'",
				formatSeconds(overlay.StartSeconds), formatSeconds(overlay.EndSeconds))
		}
		filters = append(filters, draw)
	}
	return strings.Join(filters, ",")
}

func overlayPosition(position string) string {
	switch strings.ToLower(strings.TrimSpace(position)) {
	case "top_left":
		return "x=48:y=48"
	case "top_right":
		return "x=w-tw-48:y=48"
	case "bottom_left":
		return "x=48:y=h-th-48"
	case "center":
		return "x=(w-tw)/2:y=(h-th)/2"
	case "lower_third":
		return "x=(w-tw)/2:y=h-th-120"
	default:
		return "x=w-tw-48:y=h-th-48"
	}
}

// escapeDrawText escapes the characters the drawtext filter treats specially.
var drawTextReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`:`, `\:`,
	`%`, `\%`,
	`,`, `\,`,
)

func escapeDrawText(text string) string {
	return drawTextReplacer.Replace(text)
}

func formatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

func parseResolution(resolution string) (int, int, error) {
	if strings.TrimSpace(resolution) == "" {
		resolution = defaultResolution
	}
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(resolution)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", resolution)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", resolution)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", resolution)
	}
	return width, height, nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	output, err := f.run(ctx, f.cfg.FFprobeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return duration, nil
}

func writeConcatList(segmentPaths []string, outputPath string) (string, error) {
	file, err := os.CreateTemp(filepath.Dir(outputPath), "concat-*.txt")
	if err != nil {
		return "", err
	}
	defer file.Close()
	for _, segment := range segmentPaths {
		escaped := strings.ReplaceAll(segment, `'`, `'\''`)
		if _, err := fmt.Fprintf(file, "file '%s'\n", escaped); err != nil {
			os.Remove(file.Name())
			return "", err
		}
	}
	return file.Name(), nil
}

func classifyRunError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "media", operation, "command timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return services.Wrap(services.ErrExternalTool, "media", operation, "command failed", err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if f.commandRunner != nil {
		return f.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
