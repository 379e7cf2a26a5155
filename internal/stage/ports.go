package stage

import (
	"context"
	"time"

	"redub/internal/chapters"
)

// LLMRequest is one chat completion call.
type LLMRequest struct {
	System string
	User   string
	Model  string
	Params map[string]any
}

// LLMResult carries the completion text and usage counters.
type LLMResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// LLM is the chat-completion port used by the language stages. Implementations
// retry rate limits and transient failures with backoff; content-policy
// refusals are terminal.
type LLM interface {
	Call(ctx context.Context, req LLMRequest) (*LLMResult, error)
	HealthCheck(ctx context.Context) Health
}

// TranscribeRequest asks for a transcript of one audio file.
type TranscribeRequest struct {
	AudioPath string
	Language  string
	Model     string
}

// TranscribeResult is the recognized text plus the audio duration the
// provider reports.
type TranscribeResult struct {
	Text            string
	DurationSeconds float64
	CostUSD         float64
}

// Transcriber converts source audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error)
	HealthCheck(ctx context.Context) Health
}

// ImageRequest asks for one generated image.
type ImageRequest struct {
	Prompt  string
	Size    string
	Quality string
}

// ImageResult carries the image bytes and the prompt the provider actually
// used, when it rewrites prompts.
type ImageResult struct {
	Bytes         []byte
	RevisedPrompt string
	CostUSD       float64
}

// ImageGenerator produces chapter imagery.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (*ImageResult, error)
	HealthCheck(ctx context.Context) Health
}

// SpeechRequest asks for narration audio of one text.
type SpeechRequest struct {
	Text            string
	Voice           string
	Model           string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
}

// SpeechResult is one synthesized MP3. Texts above the provider chunk
// ceiling are split at sentence boundaries and concatenated before return.
type SpeechResult struct {
	MP3             []byte
	DurationSeconds float64
	CharacterCount  int
	CostUSD         float64
}

// SpeechSynthesizer converts narration text into audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error)
	HealthCheck(ctx context.Context) Health
}

// SegmentRequest describes one chapter segment encode: a still image plus
// narration audio, with overlays and fades burned in.
type SegmentRequest struct {
	ImagePath    string
	AudioPath    string
	Overlays     []chapters.Overlay
	Resolution   string
	FPS          int
	CRF          int
	Preset       string
	AudioBitrate string
	FadeIn       float64
	FadeOut      float64
	OutputPath   string
}

// ProbeResult summarizes a media file.
type ProbeResult struct {
	DurationSeconds float64
	SizeBytes       int64
	VideoCodec      string
	AudioCodec      string
	Resolution      string
}

// Media wraps the local av toolchain: segment encoding, lossless concat,
// audio extraction for transcription, and probing.
type Media interface {
	EncodeSegment(ctx context.Context, req SegmentRequest) error
	Concat(ctx context.Context, segmentPaths []string, outputPath string) error
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	HealthCheck(ctx context.Context) Health
}

// FetchRequest names the source episode and where its files land.
type FetchRequest struct {
	SourceURL string
	VideoPath string
	MetaPath  string
}

// FetchResult carries the source metadata the downloader discovered.
type FetchResult struct {
	Title           string
	Channel         string
	DurationSeconds float64
}

// Downloader ingests the source episode media.
type Downloader interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
	HealthCheck(ctx context.Context) Health
}

// Privacy modes accepted by publishers.
const (
	PrivacyPrivate  = "private"
	PrivacyUnlisted = "unlisted"
	PrivacyPublic   = "public"
)

// UploadRequest carries the finished video and its listing metadata.
type UploadRequest struct {
	VideoPath   string
	Title       string
	Description string
	Tags        []string
	Language    string
	Privacy     string
}

// UploadResult identifies the published video.
type UploadResult struct {
	ExternalID  string
	PublishedAt time.Time
}

// Publisher uploads the reviewed derivative video.
type Publisher interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	HealthCheck(ctx context.Context) Health
}
