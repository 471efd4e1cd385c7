package capture

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"vigil/internal/config"
)

// FFmpegSource decodes an RTSP feed by running ffmpeg with an MJPEG pipe on
// stdout. Keeping the decoder out of process avoids cgo codec bindings and
// makes a hung feed killable.
type FFmpegSource struct {
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	frames      chan []byte
	errs        chan error
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewFactory returns a Factory producing ffmpeg-backed sources with the
// given capture settings.
func NewFactory(cfg config.CaptureConfig, logger *slog.Logger) Factory {
	return func(url string) (Source, error) {
		return NewFFmpegSource(cfg, url, logger)
	}
}

func NewFFmpegSource(cfg config.CaptureConfig, url string, logger *slog.Logger) (*FFmpegSource, error) {
	ctx, cancel := context.WithCancel(context.Background())
	scale := strconv.Itoa(cfg.FrameWidth) + ":" + strconv.Itoa(cfg.FrameHeight)
	cmd := exec.CommandContext(ctx, cfg.FFmpegPath,
		"-rtsp_transport", cfg.Transport,
		"-i", url,
		"-loglevel", "error",
		"-an", // no audio
		"-vf", "scale="+scale,
		"-f", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}
	s := &FFmpegSource{
		cmd:         cmd,
		cancel:      cancel,
		frames:      make(chan []byte, 1),
		errs:        make(chan error, 1),
		readTimeout: cfg.ReadTimeout,
		logger:      logger,
	}
	go s.readLoop(ctx, bufio.NewReaderSize(stdout, 256*1024))
	return s, nil
}

func (s *FFmpegSource) readLoop(ctx context.Context, r *bufio.Reader) {
	defer close(s.frames)
	for {
		frame, err := readJPEG(r)
		if err != nil {
			select {
			case s.errs <- fmt.Errorf("capture: read frame: %w", err):
			default:
			}
			return
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (s *FFmpegSource) ReadFrame(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-s.frames:
		if !ok {
			select {
			case err := <-s.errs:
				return nil, err
			default:
				return nil, ErrSourceClosed
			}
		}
		return frame, nil
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills the ffmpeg process and reaps it.
func (s *FFmpegSource) Close() error {
	s.cancel()
	err := s.cmd.Wait()
	// ffmpeg exits non-zero when killed, that is the expected shutdown path
	if err != nil && s.logger != nil {
		s.logger.Debug("ffmpeg exited", "err", err)
	}
	return nil
}
