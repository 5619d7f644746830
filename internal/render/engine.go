// Package render executes the DSP side of a job: speech synthesis, layer
// mixing, loudness normalization, and artifact upload. Mixing and
// normalization shell out to ffmpeg; the worker drives these operations one
// stage at a time.
package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"audio-render-pipeline/internal/models"
)

// FFmpegEngine renders jobs with ffmpeg plus provider TTS clients.
type FFmpegEngine struct {
	ffmpegPath   string
	workDir      string
	assetBaseURL string
	tts          map[string]TTSClient
	uploader     Uploader
	httpClient   *http.Client
}

// EngineOptions configures an FFmpegEngine.
type EngineOptions struct {
	FFmpegPath   string
	WorkDir      string
	AssetBaseURL string
	TTS          map[string]TTSClient
	Uploader     Uploader
}

// NewFFmpegEngine builds a render engine. WorkDir holds per-job scratch
// directories and is created on demand.
func NewFFmpegEngine(opts EngineOptions) *FFmpegEngine {
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &FFmpegEngine{
		ffmpegPath:   ffmpegPath,
		workDir:      workDir,
		assetBaseURL: strings.TrimSuffix(opts.AssetBaseURL, "/"),
		tts:          opts.TTS,
		uploader:     opts.Uploader,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (e *FFmpegEngine) jobDir(jobID string) string {
	return filepath.Join(e.workDir, "render-"+jobID)
}

// PrepareAssets creates the scratch directory and fetches the background
// track and any uploaded voice asset the composition references.
func (e *FFmpegEngine) PrepareAssets(ctx context.Context, job models.Job) error {
	dir := e.jobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	layers := job.Payload.Layers
	if layers.Background.Enabled {
		if layers.Background.TrackID == "" {
			return Fatalf("background layer enabled but no track reference")
		}
		dst := filepath.Join(dir, "background.mp3")
		if err := e.fetchAsset(ctx, layers.Background.TrackID, dst); err != nil {
			return fmt.Errorf("fetch background track: %w", err)
		}
	}
	if layers.Voice.Enabled && layers.Voice.Provider == models.VoiceProviderUploaded {
		ref := job.Payload.VoiceRef
		if ref == "" {
			return Fatalf("uploaded voice selected but no voice reference")
		}
		dst := filepath.Join(dir, "voice.mp3")
		if err := e.fetchAsset(ctx, ref, dst); err != nil {
			return fmt.Errorf("fetch uploaded voice: %w", err)
		}
	}
	return nil
}

// SynthesizeVoice produces the voice track and returns its path. Jobs
// without a voice layer return an empty path.
func (e *FFmpegEngine) SynthesizeVoice(ctx context.Context, job models.Job) (string, error) {
	layers := job.Payload.Layers
	if !layers.Voice.Enabled {
		return "", nil
	}

	dst := filepath.Join(e.jobDir(job.ID), "voice.mp3")
	if layers.Voice.Provider == models.VoiceProviderUploaded {
		// Already fetched during prepare.
		if _, err := os.Stat(dst); err != nil {
			return "", Fatalf("uploaded voice asset missing: %v", err)
		}
		return dst, nil
	}

	client, ok := e.tts[layers.Voice.Provider]
	if !ok {
		return "", Fatalf("no TTS client configured for provider %q", layers.Voice.Provider)
	}
	audio, err := client.Synthesize(ctx, job.Payload.Script, layers.Voice.VoiceID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, audio, 0o644); err != nil {
		return "", fmt.Errorf("write voice track: %w", err)
	}
	return dst, nil
}

// MixLayers composites the enabled layers into a single track of the
// requested duration, applying per-layer gains and the loop/pause policy.
func (e *FFmpegEngine) MixLayers(ctx context.Context, job models.Job, voicePath string) (string, error) {
	p := job.Payload
	dir := e.jobDir(job.ID)
	out := filepath.Join(dir, "mix.wav")
	totalSec := p.DurationMinutes * 60

	pause := p.PauseSeconds
	if p.LoopMode == models.LoopModeInterval {
		pause = p.IntervalSeconds
	}

	var (
		args    []string
		filters []string
		mixIns  []string
		idx     int
	)
	addInput := func(inputArgs []string, label string, gainDB float64, pad int) {
		args = append(args, inputArgs...)
		f := fmt.Sprintf("[%d:a]volume=%.1fdB", idx, gainDB)
		if pad > 0 {
			f += fmt.Sprintf(",apad=pad_dur=%d", pad)
		}
		f += fmt.Sprintf("[%s]", label)
		filters = append(filters, f)
		mixIns = append(mixIns, "["+label+"]")
		idx++
	}

	if voicePath != "" {
		// Loop the padded voice take until the track duration is filled.
		addInput([]string{"-stream_loop", "-1", "-i", voicePath}, "v", p.Layers.Gains.Voice, pause)
	}
	if p.Layers.Background.Enabled {
		bg := filepath.Join(dir, "background.mp3")
		addInput([]string{"-stream_loop", "-1", "-i", bg}, "b", p.Layers.Gains.Background, 0)
	}
	if p.Layers.Solfeggio.Enabled {
		sine := fmt.Sprintf("sine=frequency=%d:sample_rate=44100", p.Layers.Solfeggio.Frequency)
		addInput([]string{"-f", "lavfi", "-i", sine}, "s", p.Layers.Gains.Solfeggio, 0)
	}
	if p.Layers.Binaural.Enabled {
		half := p.Layers.Binaural.BeatHz / 2
		left := fmt.Sprintf("sine=frequency=%.2f:sample_rate=44100", p.Layers.Binaural.CarrierHz-half)
		right := fmt.Sprintf("sine=frequency=%.2f:sample_rate=44100", p.Layers.Binaural.CarrierHz+half)
		args = append(args, "-f", "lavfi", "-i", left, "-f", "lavfi", "-i", right)
		filters = append(filters, fmt.Sprintf(
			"[%d:a][%d:a]join=inputs=2:channel_layout=stereo,volume=%.1fdB[n]",
			idx, idx+1, p.Layers.Gains.Binaural))
		mixIns = append(mixIns, "[n]")
		idx += 2
	}

	if len(mixIns) == 0 {
		return "", Fatalf("no enabled layers to mix")
	}

	var graph string
	if len(mixIns) == 1 {
		graph = strings.Join(filters, ";") + ";" + mixIns[0] + "anull[out]"
	} else {
		graph = strings.Join(filters, ";") + ";" +
			strings.Join(mixIns, "") + fmt.Sprintf("amix=inputs=%d:duration=longest:normalize=0[out]", len(mixIns))
	}

	args = append(args,
		"-filter_complex", graph,
		"-map", "[out]",
		"-t", fmt.Sprintf("%d", totalSec),
		"-y", out,
	)
	if err := e.runFFmpeg(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// Normalize applies EBU R128 loudness normalization with a true-peak
// limiter and encodes the final artifact in the requested format.
func (e *FFmpegEngine) Normalize(ctx context.Context, job models.Job, mixPath string) (string, error) {
	p := job.Payload
	dir := e.jobDir(job.ID)
	out := filepath.Join(dir, "final."+p.Output.Format)

	args := []string{
		"-i", mixPath,
		"-af", "loudnorm=I=-16:TP=-1.5:LRA=11",
	}
	switch p.Output.Format {
	case models.FormatWAV:
		args = append(args, "-c:a", "pcm_s16le")
	default:
		bitrate := "192k"
		if p.Output.Quality == models.QualityHigh {
			bitrate = "320k"
		}
		args = append(args, "-c:a", "libmp3lame", "-b:a", bitrate)
	}
	args = append(args, "-y", out)

	if err := e.runFFmpeg(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// Upload stores the final artifact and returns its URL.
func (e *FFmpegEngine) Upload(ctx context.Context, job models.Job, finalPath string) (string, error) {
	data, err := os.ReadFile(finalPath)
	if err != nil {
		return "", fmt.Errorf("read final artifact: %w", err)
	}

	contentType := "audio/mpeg"
	if job.Payload.Output.Format == models.FormatWAV {
		contentType = "audio/wav"
	}
	key := fmt.Sprintf("renders/%s/%s/%s.%s",
		job.Payload.Output.Visibility, job.UserID, job.ID, job.Payload.Output.Format)

	url, err := e.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return url, nil
}

// Cleanup removes the job's scratch directory.
func (e *FFmpegEngine) Cleanup(jobID string) {
	_ = os.RemoveAll(e.jobDir(jobID))
}

func (e *FFmpegEngine) runFFmpeg(ctx context.Context, args []string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if looksLikeBadInput(detail) {
			return Fatalf("ffmpeg: %v: %s", err, detail)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, detail)
	}
	return nil
}

// looksLikeBadInput picks out ffmpeg failures caused by the input itself,
// which no retry will fix.
func looksLikeBadInput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "invalid data found") ||
		strings.Contains(lower, "could not find codec") ||
		strings.Contains(lower, "no such file")
}

func (e *FFmpegEngine) fetchAsset(ctx context.Context, ref, dst string) error {
	url := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if e.assetBaseURL == "" {
			return Fatalf("asset reference %q is not a URL and no asset base URL is configured", ref)
		}
		url = e.assetBaseURL + "/" + strings.TrimPrefix(ref, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build asset request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return Fatalf("asset %q not found (status %d)", ref, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download asset %q: status %d", ref, resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create asset file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write asset file: %w", err)
	}
	return nil
}
