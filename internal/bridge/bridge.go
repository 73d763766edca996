package bridge

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"golang.org/x/sync/errgroup"

	"casparian/internal/config"
	"casparian/internal/core"
	"casparian/internal/logging"
)

// Request describes one parser invocation.
type Request struct {
	JobID         string
	ParserID      string
	ParserVersion string
	InputPath     string
	Env           []string
}

// Runtime produces the child command for a request. The data channel is
// inherited as fd 3; control frames go to stdout.
type Runtime interface {
	Command(ctx context.Context, req Request) (*exec.Cmd, error)
}

// ShimRuntime runs a parser through the interpreter shim: the interpreter
// from a content-addressed environment plus the shim entrypoint that loads
// the parser and speaks the protocol.
type ShimRuntime struct {
	Interpreter string
	ShimPath    string
}

// Command builds the shim invocation.
func (r ShimRuntime) Command(ctx context.Context, req Request) (*exec.Cmd, error) {
	if r.Interpreter == "" || r.ShimPath == "" {
		return nil, core.E(core.KindConstraint, "shim runtime missing interpreter or shim path")
	}
	cmd := exec.CommandContext(ctx, r.Interpreter, r.ShimPath,
		"--parser", req.ParserID, "--input", req.InputPath)
	cmd.Env = append(os.Environ(), req.Env...)
	return cmd, nil
}

// NativeRuntime runs a parser binary that speaks the protocol itself.
type NativeRuntime struct {
	Binary string
	Args   []string
}

// Command builds the native invocation.
func (r NativeRuntime) Command(ctx context.Context, req Request) (*exec.Cmd, error) {
	if r.Binary == "" {
		return nil, core.E(core.KindConstraint, "native runtime missing binary")
	}
	args := append(append([]string{}, r.Args...), req.InputPath)
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Env = append(os.Environ(), req.Env...)
	return cmd, nil
}

// Runner invokes parsers and consumes their protocol.
type Runner struct {
	runtime    Runtime
	verifier   Verifier
	sink       BatchSink
	quarantine QuarantineStore
	cfg        config.BridgeConfig

	// OnProgress, when set, receives child progress frames.
	OnProgress func(processed, total int64)
}

// NewRunner creates a runner.
func NewRunner(rt Runtime, v Verifier, sink BatchSink, q QuarantineStore, cfg config.BridgeConfig) *Runner {
	return &Runner{runtime: rt, verifier: v, sink: sink, quarantine: q, cfg: cfg}
}

// RunFile invokes the parser on one input file and consumes its outputs
// until the child exits. Cancellation is cooperative: on token trip the
// parent closes the child's stdin, waits the grace period and then kills.
func (r *Runner) RunFile(ctx context.Context, req Request, token *CancellationToken) (*Result, error) {
	if token == nil {
		token = NewCancellationToken()
	}
	cmd, err := r.runtime.Command(ctx, req)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, core.Wrap(core.KindIO, err, "open child stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.Wrap(core.KindIO, err, "open child stdout")
	}
	stderr := newLimitedBuffer(16 * 1024)
	cmd.Stderr = stderr

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return nil, core.Wrap(core.KindIO, err, "open data channel")
	}
	cmd.ExtraFiles = []*os.File{dataW} // fd 3 in the child

	if err := cmd.Start(); err != nil {
		dataR.Close()
		dataW.Close()
		return nil, core.Wrap(core.KindIO, err, "start parser %s", req.ParserID)
	}
	dataW.Close() // parent keeps only the read end
	logging.Bridge("Started parser %s pid=%d for job %s", req.ParserID, cmd.Process.Pid, req.JobID)

	cons := newConsumer(req.JobID, req.ParserID, r.verifier, r.sink, r.quarantine, token)
	cons.onProgress = r.OnProgress
	events := make(chan event, 32)

	g, gctx := errgroup.WithContext(ctx)

	// Control reader.
	g.Go(func() error {
		return ReadFrames(stdout, r.cfg.MaxFrameBytes, func(f *Frame) error {
			select {
			case events <- event{kind: evFrame, frame: f}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	// Data reader: consecutive Arrow IPC streams, one per output window.
	g.Go(func() error {
		defer dataR.Close()
		return readDataStreams(gctx, dataR, events)
	})

	// Cancellation watchdog.
	killed := make(chan struct{})
	go func() {
		defer close(killed)
		select {
		case <-gctx.Done():
		case <-token.Done():
			logging.Bridge("Cancelling job %s: closing child stdin", req.JobID)
			stdin.Close()
			select {
			case <-gctx.Done():
			case <-time.After(r.cfg.GracePeriod()):
				logging.Bridge("Grace period elapsed for job %s, killing pid %d",
					req.JobID, cmd.Process.Pid)
				cmd.Process.Kill()
			}
		}
	}()

	consumeErr := make(chan error, 1)
	go func() {
		for ev := range events {
			if err := cons.handle(ev); err != nil {
				consumeErr <- err
				// The child is past saving: trip the token so the watchdog
				// shuts it down, then drain so readers do not block on a
				// full channel.
				token.Cancel()
				cons.releasePending()
				for rest := range events {
					if rest.kind == evBatch {
						rest.record.Release()
					}
				}
				return
			}
		}
		consumeErr <- nil
	}()

	readErr := g.Wait()
	close(events)
	procErr := cmd.Wait()
	stdin.Close()
	wasCancelled := token.IsCancelled()
	token.Cancel() // release the watchdog
	<-killed
	handleErr := <-consumeErr

	if handleErr != nil {
		return nil, handleErr
	}
	if wasCancelled && ctx.Err() == nil {
		// Whatever state the child reached, a tripped token means no
		// partial outputs are committed.
		return nil, core.E(core.KindCancelled, "job %s cancelled", req.JobID)
	}
	if readErr != nil && readErr != context.Canceled {
		return nil, readErr
	}
	res, err := cons.finish()
	if err != nil {
		return nil, err
	}
	if procErr != nil {
		return nil, core.Wrap(core.KindIO, procErr,
			"parser %s exited abnormally: %s", req.ParserID, stderr.String()).AsTransient()
	}
	return res, nil
}

// readDataStreams reads consecutive Arrow IPC streams from r until EOF,
// forwarding retained records. The nth stream carries stream_index n so
// the consumer can match batches to the output window announced on the
// control channel.
func readDataStreams(ctx context.Context, r io.Reader, events chan<- event) error {
	for stream := 0; ; stream++ {
		rdr, err := ipc.NewReader(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return core.Wrap(core.KindProtocolViolation, err, "open arrow stream %d", stream)
		}
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			select {
			case events <- event{kind: evBatch, stream: stream, record: rec}:
			case <-ctx.Done():
				rec.Release()
				rdr.Release()
				return ctx.Err()
			}
		}
		streamErr := rdr.Err()
		rdr.Release()
		if streamErr != nil && streamErr != io.EOF {
			return core.Wrap(core.KindProtocolViolation, streamErr, "read arrow stream %d", stream)
		}
		select {
		case events <- event{kind: evStreamEnd, stream: stream}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// limitedBuffer keeps the first n bytes written, enough stderr for error
// messages without unbounded growth.
type limitedBuffer struct {
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }
