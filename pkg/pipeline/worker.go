package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"

	"github.com/latoulicious/Seiun/pkg/player"
)

// FFmpegWorker decodes one track through an external ffmpeg process and
// encodes the PCM output to opus frames. The process is fully isolated: the
// worker owns its lifecycle and a Kill reaps it no matter where the stream
// stands. One worker plays exactly one track and is never reused.
type FFmpegWorker struct {
	id    string
	cfg   Config
	track player.TrackDescriptor
	log   *logrus.Entry

	// volume is a percentage (0-200) applied to PCM samples before encoding.
	// It is the only effect that changes mid-stream; the equalizer chain is
	// baked into the ffmpeg filter graph at start.
	volume atomic.Int64
	filter string

	ctx    context.Context
	cancel context.CancelFunc

	ready  chan struct{}
	frames chan player.Frame
	done   chan struct{}

	state atomic.Int32

	mu      sync.Mutex
	cmd     *exec.Cmd
	failure *player.PipelineError

	killOnce   sync.Once
	finishOnce sync.Once

	// lastRead tracks when a blocking read on the ffmpeg pipe began, as unix
	// nanos; zero means no read is in flight. The stall watchdog only fires
	// while a read is actually blocked, so a paused session (frames channel
	// full, no read pending) never trips it.
	lastRead atomic.Int64
}

// NewWorkerFactory builds a player.WorkerFactory producing ffmpeg workers
// with the given pipeline configuration.
func NewWorkerFactory(cfg Config, log *logrus.Entry) player.WorkerFactory {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(track player.TrackDescriptor, effects player.EffectsConfig) player.Worker {
		return NewFFmpegWorker(cfg, track, effects, log)
	}
}

// NewFFmpegWorker prepares a worker for track. The process is not started
// until Start is called.
func NewFFmpegWorker(cfg Config, track player.TrackDescriptor, effects player.EffectsConfig, log *logrus.Entry) *FFmpegWorker {
	filter, ok := EqualizerFilter(effects.Equalizer)
	if !ok {
		filter, _ = EqualizerFilter("flat")
	}
	w := &FFmpegWorker{
		id:     uuid.NewString(),
		cfg:    cfg,
		track:  track,
		filter: filter,
		ready:  make(chan struct{}),
		frames: make(chan player.Frame, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}
	w.log = log.WithFields(logrus.Fields{"worker_id": w.id, "track_id": track.ID})
	w.volume.Store(int64(player.ClampVolume(effects.Volume)))
	w.state.Store(int32(player.WorkerStarting))
	return w
}

func (w *FFmpegWorker) Track() player.TrackDescriptor { return w.track }

func (w *FFmpegWorker) Ready() <-chan struct{} { return w.ready }

func (w *FFmpegWorker) Frames() <-chan player.Frame { return w.frames }

func (w *FFmpegWorker) Done() <-chan struct{} { return w.done }

func (w *FFmpegWorker) State() player.WorkerState {
	return player.WorkerState(w.state.Load())
}

// Err reports why the worker stopped. Nil means the stream was exhausted
// naturally.
func (w *FFmpegWorker) Err() *player.PipelineError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

// Reconfigure applies the hot-swappable part of the effects: volume takes
// effect on the next encoded frame. Equalizer changes are ignored here; they
// require a fresh filter graph and apply when the next worker starts.
func (w *FFmpegWorker) Reconfigure(effects player.EffectsConfig) {
	w.volume.Store(int64(player.ClampVolume(effects.Volume)))
}

// Start launches the ffmpeg process and the encode loop. The returned error
// covers spawn failures only; everything after that is reported through
// Done/Err.
func (w *FFmpegWorker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	cmd := exec.CommandContext(w.ctx, w.cfg.FFmpegPath,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", w.track.StreamLocator,
		"-af", w.filter,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(w.cfg.SampleRate),
		"-ac", fmt.Sprint(w.cfg.Channels),
		"-loglevel", "error",
		"-")

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %v", err)
	}

	encoder, err := gopus.NewEncoder(w.cfg.SampleRate, w.cfg.Channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("opus encoder: %v", err)
	}
	encoder.SetBitrate(w.cfg.Bitrate)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %v", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	w.log.WithField("filter", w.filter).Debug("ffmpeg process started")

	go w.consumeStderr(stderr)
	go w.watchdog()
	go w.encodeLoop(stdout, encoder)
	return nil
}

// Kill forcefully stops the worker. Safe to call from any goroutine, any
// number of times, in any state.
func (w *FFmpegWorker) Kill() {
	w.killOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Lock()
		cmd := w.cmd
		w.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			w.reap(cmd)
		}
		w.finish(player.WorkerEnded, nil)
	})
}

// reap waits for the killed process, bounded by KillTimeout so a wedged
// ffmpeg cannot hang teardown.
func (w *FFmpegWorker) reap(cmd *exec.Cmd) {
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(w.cfg.KillTimeout):
		w.log.Warn("ffmpeg did not exit after kill")
	}
}

// finish records the terminal state exactly once and closes the exit
// channels. A nil failure with state WorkerEnded is a natural end.
func (w *FFmpegWorker) finish(state player.WorkerState, failure *player.PipelineError) {
	w.finishOnce.Do(func() {
		w.mu.Lock()
		w.failure = failure
		w.mu.Unlock()
		w.state.Store(int32(state))
		close(w.frames)
		close(w.done)
	})
}

func (w *FFmpegWorker) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.log.WithField("ffmpeg", scanner.Text()).Debug("ffmpeg stderr")
	}
}

// watchdog fails the pipeline when a read from ffmpeg blocks longer than
// StallTimeout. Stalls are how a dead upstream CDN connection manifests.
func (w *FFmpegWorker) watchdog() {
	ticker := time.NewTicker(w.cfg.StallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			start := w.lastRead.Load()
			if start == 0 {
				continue
			}
			if time.Since(time.Unix(0, start)) > w.cfg.StallTimeout {
				w.log.Warn("pipeline stalled, killing ffmpeg")
				w.fail(player.NewPipelineError(player.PipelineNetworkFailure,
					fmt.Errorf("no data from ffmpeg for %v", w.cfg.StallTimeout)))
				return
			}
		}
	}
}

// fail kills the process and records the failure as the terminal outcome.
func (w *FFmpegWorker) fail(perr *player.PipelineError) {
	w.killOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Lock()
		cmd := w.cmd
		w.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			w.reap(cmd)
		}
	})
	w.finish(player.WorkerFailed, perr)
}

// encodeLoop reads fixed-size PCM frames from ffmpeg, applies volume, encodes
// to opus and hands frames to the consumer. The first encoded frame closes
// the ready channel: buffered audio exists from that point on.
func (w *FFmpegWorker) encodeLoop(stdout io.Reader, encoder *gopus.Encoder) {
	reader := bufio.NewReaderSize(stdout, w.cfg.frameBytes()*4)
	buf := make([]byte, w.cfg.frameBytes())
	sampleCount := w.cfg.FrameSize * w.cfg.Channels
	emitted := 0

	for {
		if w.ctx.Err() != nil {
			w.Kill()
			return
		}

		w.lastRead.Store(time.Now().UnixNano())
		_, err := io.ReadFull(reader, buf)
		w.lastRead.Store(0)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if emitted == 0 {
					// The process produced nothing at all: a bad stream URL
					// or an immediate crash, never a legitimate empty track.
					w.fail(player.NewPipelineError(player.PipelineProcessCrash,
						errors.New("ffmpeg exited before producing audio")))
					return
				}
				w.log.WithField("frames", emitted).Debug("stream exhausted")
				w.mu.Lock()
				cmd := w.cmd
				w.mu.Unlock()
				if cmd != nil {
					_ = cmd.Wait()
				}
				w.finish(player.WorkerEnded, nil)
				return
			}
			if w.ctx.Err() != nil {
				w.Kill()
				return
			}
			w.fail(player.NewPipelineError(player.PipelineProcessCrash,
				fmt.Errorf("read pcm: %v", err)))
			return
		}

		samples := pcmToSamples(buf, sampleCount)
		applyVolume(samples, int(w.volume.Load()))

		packet, err := encoder.Encode(samples, w.cfg.FrameSize, w.cfg.frameBytes())
		if err != nil {
			w.fail(player.NewPipelineError(player.PipelineUnsupportedFormat,
				fmt.Errorf("opus encode: %v", err)))
			return
		}

		if emitted == 0 {
			close(w.ready)
			w.state.Store(int32(player.WorkerReady))
		}

		select {
		case w.frames <- player.Frame(packet):
			emitted++
			if emitted == 1 {
				w.state.Store(int32(player.WorkerStreaming))
			}
		case <-w.ctx.Done():
			w.Kill()
			return
		}
	}
}

// pcmToSamples reinterprets little-endian s16 PCM bytes as int16 samples.
func pcmToSamples(buf []byte, n int) []int16 {
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(buf[2*i]) | int16(buf[2*i+1])<<8
	}
	return samples
}

// applyVolume scales samples by a percentage, clamping at the int16 range.
// 100 is a no-op, 0 silences, 200 doubles.
func applyVolume(samples []int16, percent int) {
	if percent == 100 {
		return
	}
	for i, s := range samples {
		v := int(s) * percent / 100
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
}
