package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

// ExecConfig describes the worker command. The worker receives the model
// through MESHD_* environment variables, prints {"event":"ready"} once the
// weights are resident, then serves requests read from stdin.
type ExecConfig struct {
	Bin          string
	Args         []string
	Env          []string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// wire messages, one JSON object per line
type request struct {
	Op      string        `json:"op"`
	ID      string        `json:"id"`
	Feature string        `json:"feature,omitempty"`
	Inputs  model.Inputs  `json:"inputs,omitempty"`
	Planned model.Outputs `json:"planned,omitempty"`
}

type message struct {
	Event    string        `json:"event"`
	ID       string        `json:"id,omitempty"`
	Progress int           `json:"progress,omitempty"`
	Outputs  model.Outputs `json:"outputs,omitempty"`
	Error    string        `json:"error,omitempty"`
	Corrupt  bool          `json:"corrupt,omitempty"`
}

type call struct {
	progress chan int
	done     chan message
}

type worker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	wmu     sync.Mutex
	stderr  *tailBuffer
	ready   chan struct{}
	done    chan struct{}
	waitErr error

	pmu     sync.Mutex
	pending map[string]*call
	nextID  atomic.Uint64
	stop    atomic.Bool
}

// Exec runs a model inside a dedicated worker process.
type Exec struct {
	cfg ExecConfig
	log zerolog.Logger

	mu sync.Mutex
	w  *worker
}

func NewExec(cfg ExecConfig, log zerolog.Logger) *Exec {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Exec{cfg: cfg, log: log}
}

func (e *Exec) Materialize(ctx context.Context, a model.Artifact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w != nil {
		select {
		case <-e.w.done:
			e.w = nil
		default:
			return nil
		}
	}
	opts, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	cmd := exec.Command(e.cfg.Bin, e.cfg.Args...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"MESHD_MODEL_ID="+a.ModelID,
		"MESHD_MODEL_PATH="+a.Path,
		"MESHD_FEATURE="+string(a.Feature),
		"MESHD_OPTIONS="+string(opts),
		"CUDA_VISIBLE_DEVICES="+strconv.Itoa(a.GPU),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	w := &worker{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  newTailBuffer(stderrTailBytes),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]*call),
	}
	cmd.Stderr = w.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	e.log.Info().Str("event", "spawn_start").Int("pid", pid).Int("gpu", a.GPU).Msg("exec")

	go func() {
		w.readLoop(stdout, e.log)
		w.waitErr = cmd.Wait()
		close(w.done)
	}()

	timer := time.NewTimer(e.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		e.w = w
		e.log.Info().Str("event", "spawn_ready").Int("pid", pid).Msg("exec")
		return nil
	case <-w.done:
		e.log.Warn().Str("event", "spawn_exit").Int("pid", pid).AnErr("wait", w.waitErr).Msg("exec")
		if w.waitErr != nil {
			return fmt.Errorf("worker exited early: %v; stderr tail: %s", w.waitErr, w.stderr.String())
		}
		return fmt.Errorf("worker exited before ready; stderr tail: %s", w.stderr.String())
	case <-timer.C:
		e.log.Warn().Str("event", "spawn_timeout").Int("pid", pid).Msg("exec")
		w.terminate(e.cfg.StopTimeout)
		return fmt.Errorf("worker not ready within %s", e.cfg.ReadyTimeout)
	case <-ctx.Done():
		w.terminate(e.cfg.StopTimeout)
		return ctx.Err()
	}
}

func (e *Exec) Release(ctx context.Context) error {
	e.mu.Lock()
	w := e.w
	e.w = nil
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	w.terminate(e.cfg.StopTimeout)
	e.log.Info().Str("event", "spawn_stop").Int("pid", w.cmd.Process.Pid).Msg("exec")
	return nil
}

func (e *Exec) Run(ctx context.Context, req model.Request, progress model.ProgressFunc) (model.Outputs, error) {
	e.mu.Lock()
	w := e.w
	e.mu.Unlock()
	if w == nil {
		return nil, apperr.NotLoaded(req.ModelID)
	}
	id := strconv.FormatUint(w.nextID.Add(1), 10)
	c := &call{progress: make(chan int, 1), done: make(chan message, 1)}
	w.pmu.Lock()
	w.pending[id] = c
	w.pmu.Unlock()
	defer func() {
		w.pmu.Lock()
		delete(w.pending, id)
		w.pmu.Unlock()
	}()

	if err := w.send(request{Op: "run", ID: id, Feature: string(req.Feature), Inputs: req.Inputs, Planned: req.Planned}); err != nil {
		return nil, w.exitError(err)
	}
	for {
		select {
		case p := <-c.progress:
			progress(p)
		case m := <-c.done:
			if m.Event == "error" {
				return nil, apperr.Processing(errors.New(m.Error), m.Corrupt)
			}
			return m.Outputs, nil
		case <-w.done:
			return nil, w.exitError(nil)
		case <-ctx.Done():
			_ = w.send(request{Op: "cancel", ID: id})
			return nil, ctx.Err()
		}
	}
}

func (w *worker) exitError(cause error) error {
	if w.stop.Load() {
		return apperr.Processing(errors.New("model unloaded during processing"), false)
	}
	if cause == nil {
		cause = w.waitErr
	}
	return apperr.Processing(fmt.Errorf("worker exited: %v; stderr tail: %s", cause, w.stderr.String()), true)
}

func (w *worker) send(r request) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, err = w.stdin.Write(append(b, '\n'))
	return err
}

func (w *worker) readLoop(r io.Reader, log zerolog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	readyClosed := false
	for sc.Scan() {
		var m message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			log.Debug().Str("line", sc.Text()).Msg("exec: ignoring non-protocol output")
			continue
		}
		if m.Event == "ready" {
			if !readyClosed {
				close(w.ready)
				readyClosed = true
			}
			continue
		}
		w.pmu.Lock()
		c := w.pending[m.ID]
		w.pmu.Unlock()
		if c == nil {
			continue
		}
		switch m.Event {
		case "progress":
			select {
			case <-c.progress:
			default:
			}
			c.progress <- m.Progress
		case "result", "error":
			select {
			case c.done <- m:
			default:
			}
		}
	}
	// drain so a blocked worker can exit
	_, _ = io.Copy(io.Discard, r)
}

// terminate sends SIGTERM and kills the worker if it does not exit in time.
func (w *worker) terminate(grace time.Duration) {
	w.stop.Store(true)
	_ = w.stdin.Close()
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-w.done:
	case <-time.After(grace):
		_ = w.cmd.Process.Kill()
		<-w.done
	}
}
