package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vidserve/logger"
	"vidserve/models"
)

const waitDelay = 10 * time.Second

// YtDlp runs the yt-dlp binary as a subprocess
type YtDlp struct {
	binaryPath string
	ffmpegPath string
}

// NewYtDlp resolves both binaries. yt-dlp is required; without ffmpeg the
// formats that need conversion or merging fail at download time.
func NewYtDlp(binaryPath, ffmpegPath string) (*YtDlp, error) {
	resolved, err := exec.LookPath(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("extractor: command '%s' not found in PATH: %w", binaryPath, err)
	}
	y := &YtDlp{binaryPath: resolved}

	if ffmpegPath != "" {
		if ff, err := exec.LookPath(ffmpegPath); err != nil {
			logger.Warnf("extractor: ffmpeg '%s' not found, mp3/avi conversion and stream merging will fail", ffmpegPath)
		} else {
			y.ffmpegPath = ff
			logger.Debugf("extractor: using ffmpeg at %s", ff)
		}
	}
	logger.Debugf("extractor: using yt-dlp at %s", resolved)
	return y, nil
}

type ytdlpInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
	Formats   []struct {
		FormatID string `json:"format_id"`
		Ext      string `json:"ext"`
		Height   int    `json:"height"`
	} `json:"formats"`
}

func (y *YtDlp) FetchMetadata(ctx context.Context, url string) (*Metadata, error) {
	out, err := y.run(ctx, "--dump-single-json", "--no-warnings", "--no-playlist", "--skip-download", url)
	if err != nil {
		return nil, err
	}

	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("yt-dlp returned unreadable metadata: %w", err)
	}

	md := &Metadata{
		SourceID:  info.ID,
		Title:     info.Title,
		Thumbnail: info.Thumbnail,
	}
	if info.Duration > 0 {
		md.DurationSeconds = int(info.Duration)
	}
	seen := map[string]bool{}
	for _, f := range info.Formats {
		if f.Ext != "" && !seen[f.Ext] {
			seen[f.Ext] = true
			md.Formats = append(md.Formats, f.Ext)
		}
	}
	return md, nil
}

func (y *YtDlp) FetchMedia(ctx context.Context, req MediaRequest) (*MediaResult, error) {
	if req.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	args := mediaArgs(req)
	if y.ffmpegPath != "" {
		args = append(args, "--ffmpeg-location", y.ffmpegPath)
	}
	args = append(args, req.URL)

	out, err := y.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	path := req.OutputPath
	if printed := lastLine(out); printed != "" {
		path = printed
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Kind: KindIntegrity, Message: fmt.Sprintf("yt-dlp reported success but %s is missing: %v", path, err), Err: err}
	}
	return &MediaResult{OutputPath: path, ByteSize: fi.Size()}, nil
}

// run executes yt-dlp and returns stdout. On failure stderr becomes the
// message of the returned *Error.
func (y *YtDlp) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.binaryPath, args...)
	// ffmpeg children can outlive a killed yt-dlp and hold the pipes open
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debugf("running %s %s", y.binaryPath, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Kind: KindTimeout, Message: "yt-dlp timed out: " + ctxErr.Error(), Err: ctxErr}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &Error{
			Kind:    ClassifyMessage(msg),
			Message: fmt.Sprintf("yt-dlp failed: %v: %s", err, msg),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

// mediaArgs builds the download arguments without the ffmpeg location and URL
func mediaArgs(req MediaRequest) []string {
	base := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath))
	args := []string{
		"--no-warnings",
		"--no-playlist",
		"--no-progress",
		"--print", "after_move:filepath",
		"-o", base + ".%(ext)s",
		"-f", formatSelector(req.Format, req.Quality),
	}

	switch req.Format {
	case models.FormatMP3:
		args = append(args, "-x", "--audio-format", "mp3")
	case models.FormatMP4, models.FormatWebM:
		args = append(args, "--merge-output-format", string(req.Format))
	case models.FormatAVI:
		args = append(args, "--recode-video", "avi")
	}
	return args
}

// formatSelector picks streams for a format, capped at the requested height
func formatSelector(f models.Format, q *models.Quality) string {
	if f.IsAudio() {
		return "bestaudio/best"
	}

	h := ""
	if q != nil {
		h = fmt.Sprintf("[height<=%d]", q.Height())
	}

	switch f {
	case models.FormatMP4:
		return "bv*" + h + "[ext=mp4]+ba[ext=m4a]/b" + h + "[ext=mp4]/bv*" + h + "+ba/b" + h
	case models.FormatWebM:
		return "bv*" + h + "[ext=webm]+ba[ext=webm]/b" + h + "[ext=webm]/bv*" + h + "+ba/b" + h
	default:
		return "bv*" + h + "+ba/b" + h
	}
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
