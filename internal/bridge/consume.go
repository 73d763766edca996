package bridge

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/schema"
)

// Metric keys reported per job. Per-output variants append the output
// name, e.g. "rows.trades"; "status.<name>" is 1 when the output was
// accepted and 0 when it was rejected at the hash gate.
const (
	MetricRows                   = "rows"
	MetricQuarantineRows         = "quarantine_rows"
	MetricLineageUnavailableRows = "lineage_unavailable_rows"
	MetricOutputCount            = "output_count"
	MetricIsTransient            = "is_transient"
	MetricStatus                 = "status"
)

// Verifier gates an output's announced schema hash against the active
// contract.
type Verifier interface {
	Verify(parserID, outputName, observedHash string) (*schema.Contract, error)
}

// BatchSink receives accepted record batches.
type BatchSink interface {
	WriteBatch(outputName string, contract *schema.LockedSchema, rec arrow.Record) (int64, error)
}

// QuarantineStore receives rejected rows keyed by (job, output, row index).
type QuarantineStore interface {
	Quarantine(jobID, outputName string, rowIndex int64, kind, value string) error
}

// Result summarizes one parser invocation.
type Result struct {
	ParserID      string
	ParserVersion string
	Metrics       map[string]int64
	Violations    []schema.Violation
	Outputs       []OutputResult
}

// OutputResult is the per-output outcome.
type OutputResult struct {
	Name           string
	SchemaHash     string
	Accepted       bool
	Rows           int64
	QuarantineRows int64
}

type eventKind int

const (
	evFrame eventKind = iota
	evBatch
	evStreamEnd
)

// event is the union flowing through the bounded channel joining the
// control reader and the data reader. stream carries the data stream
// index for evBatch and evStreamEnd.
type event struct {
	kind   eventKind
	stream int
	frame  *Frame
	record arrow.Record
}

type openOutput struct {
	name         string
	streamIndex  int
	contract     *schema.Contract
	accepted     bool
	rows         int64
	quarantined  int64
	diffed       bool
	declaredRows int64
	endFrameSeen bool
	streamEnded  bool
}

// consumer is the protocol state machine. It is fed events in arrival
// order and enforces the framing rules; any violation fails the job
// permanently. The control and data channels are independent pipes, so
// a stream's batches may land before its output_begin frame: such
// batches are held in pending until the window opens, and a window only
// closes once both its output_end frame and its stream end have arrived.
type consumer struct {
	jobID      string
	parserID   string
	verifier   Verifier
	sink       BatchSink
	quarantine QuarantineStore
	token      *CancellationToken
	onProgress func(processed, total int64)

	helloSeen  bool
	nextStream int
	open       *openOutput
	pending    map[int][]arrow.Record
	ended      map[int]bool
	childErr   error
	result     Result
}

func newConsumer(jobID, parserID string, v Verifier, sink BatchSink, q QuarantineStore, token *CancellationToken) *consumer {
	return &consumer{
		jobID:      jobID,
		parserID:   parserID,
		verifier:   v,
		sink:       sink,
		quarantine: q,
		token:      token,
		pending:    map[int][]arrow.Record{},
		ended:      map[int]bool{},
		result: Result{Metrics: map[string]int64{
			MetricRows:                   0,
			MetricQuarantineRows:         0,
			MetricLineageUnavailableRows: 0,
		}},
	}
}

func (c *consumer) handle(ev event) error {
	switch ev.kind {
	case evFrame:
		return c.handleFrame(ev.frame)
	case evBatch:
		return c.handleBatch(ev.stream, ev.record)
	case evStreamEnd:
		return c.handleStreamEnd(ev.stream)
	}
	return nil
}

func (c *consumer) handleFrame(f *Frame) error {
	if !c.helloSeen && f.Type != FrameHello {
		return core.E(core.KindProtocolViolation, "first control frame was %s, want hello", f.Type)
	}
	switch f.Type {
	case FrameHello:
		if c.helloSeen {
			return core.E(core.KindProtocolViolation, "duplicate hello")
		}
		if f.Protocol != ProtocolVersion {
			return core.E(core.KindProtocolViolation,
				"child speaks protocol %d, parent supports %d", f.Protocol, ProtocolVersion)
		}
		c.helloSeen = true
		c.result.ParserID = f.ParserID
		c.result.ParserVersion = f.ParserVersion
		logging.BridgeDebug("hello from %s@%s caps=%v", f.ParserID, f.ParserVersion, f.Capabilities)
		return nil

	case FrameOutputBegin:
		if c.open != nil {
			return core.E(core.KindProtocolViolation,
				"output_begin %q while output %q is open", f.Output, c.open.name)
		}
		if f.StreamIndex != c.nextStream {
			return core.E(core.KindProtocolViolation,
				"output_begin stream_index %d, want %d", f.StreamIndex, c.nextStream)
		}
		out := &openOutput{name: f.Output, streamIndex: f.StreamIndex, accepted: true}
		contract, err := c.verifier.Verify(c.parserID, f.Output, f.SchemaHash)
		if err != nil {
			if !core.IsKind(err, core.KindSchemaMismatch) {
				return err
			}
			// The window stays open so the rows can be counted and
			// quarantined, but nothing reaches the sink.
			out.accepted = false
			out.contract = contract
			logging.Bridge("Output %q rejected at hash gate: %v", f.Output, err)
		} else {
			out.contract = contract
		}
		c.open = out

		// Batches for this stream may have raced ahead of the frame.
		held := c.pending[out.streamIndex]
		delete(c.pending, out.streamIndex)
		for _, rec := range held {
			err := c.processBatch(out, rec)
			rec.Release()
			if err != nil {
				return err
			}
		}
		if c.ended[out.streamIndex] {
			delete(c.ended, out.streamIndex)
			out.streamEnded = true
		}
		return nil

	case FrameOutputEnd:
		if c.open == nil || f.Output != c.open.name || f.StreamIndex != c.open.streamIndex {
			return core.E(core.KindProtocolViolation,
				"output_end %q stream %d does not match the open window", f.Output, f.StreamIndex)
		}
		c.open.declaredRows = f.RowsEmitted
		c.open.endFrameSeen = true
		return c.maybeCloseOutput()

	case FrameLog:
		logging.Bridge("[child %s] %s: %s", c.jobID, f.Level, f.Message)
		return nil

	case FrameProgress:
		if c.onProgress != nil {
			c.onProgress(f.ItemsProcessed, f.ItemsTotal)
		}
		return nil

	case FrameError:
		kind, known := core.ParseKind(f.Kind)
		if !known {
			kind = core.KindIO
		}
		err := core.E(kind, "child error: %s", f.Message)
		if f.IsTransient {
			err = err.AsTransient()
		}
		c.childErr = err
		return nil
	}
	return nil
}

// handleBatch owns rec: it is released here unless parked in pending.
func (c *consumer) handleBatch(stream int, rec arrow.Record) error {
	if c.token != nil && c.token.IsCancelled() {
		rec.Release()
		return core.E(core.KindCancelled, "job %s cancelled between batches", c.jobID)
	}
	if c.open == nil || stream != c.open.streamIndex {
		if stream < c.nextStream {
			rec.Release()
			return core.E(core.KindProtocolViolation,
				"data batch for closed stream %d", stream)
		}
		c.pending[stream] = append(c.pending[stream], rec)
		return nil
	}
	err := c.processBatch(c.open, rec)
	rec.Release()
	return err
}

func (c *consumer) processBatch(out *openOutput, rec arrow.Record) error {
	n := rec.NumRows()
	if !out.accepted {
		c.quarantineBatch(out, rec)
		out.quarantined += n
		return nil
	}
	written, err := c.sink.WriteBatch(out.name, out.contract.Locked, rec)
	if err != nil {
		return err
	}
	out.rows += written
	return nil
}

func (c *consumer) handleStreamEnd(stream int) error {
	if c.open != nil && stream == c.open.streamIndex {
		c.open.streamEnded = true
		return c.maybeCloseOutput()
	}
	c.ended[stream] = true
	return nil
}

// quarantineBatch records every row of a rejected batch and, once per
// output, the column-level diff explaining the rejection.
func (c *consumer) quarantineBatch(out *openOutput, rec arrow.Record) {
	observed, err := schema.FromArrow(out.name, rec.Schema())
	if err == nil && !out.diffed && out.contract != nil {
		violations := schema.Diff(out.contract.Locked, observed)
		for i := range violations {
			violations[i].RowIndex = out.quarantined
			violations[i].Sample = sampleValue(rec, violations[i].Column)
		}
		c.result.Violations = append(c.result.Violations, violations...)
		out.diffed = true
	}

	if c.quarantine == nil {
		return
	}
	for i := int64(0); i < rec.NumRows(); i++ {
		rowIndex := out.quarantined + i
		if err := c.quarantine.Quarantine(c.jobID, out.name, rowIndex,
			string(core.KindSchemaMismatch), sampleRow(rec, i)); err != nil {
			logging.Bridge("Quarantine write failed for %s row %d: %v", out.name, rowIndex, err)
			return
		}
	}
}

// maybeCloseOutput settles the open window once both the output_end
// frame and the data stream end have been observed; only then is the
// declared row count comparable to what the parent saw.
func (c *consumer) maybeCloseOutput() error {
	out := c.open
	if out == nil || !out.endFrameSeen || !out.streamEnded {
		return nil
	}
	seen := out.rows + out.quarantined
	if out.declaredRows != seen {
		return core.E(core.KindProtocolViolation,
			"output %q declared %d rows, parent saw %d", out.name, out.declaredRows, seen)
	}
	c.closeOutput()
	return nil
}

func (c *consumer) closeOutput() {
	out := c.open
	c.open = nil
	c.nextStream++

	c.result.Metrics[MetricRows] += out.rows
	c.result.Metrics[MetricQuarantineRows] += out.quarantined
	c.result.Metrics[MetricRows+"."+out.name] = out.rows
	c.result.Metrics[MetricQuarantineRows+"."+out.name] = out.quarantined
	c.result.Metrics[MetricLineageUnavailableRows+"."+out.name] = 0
	if out.accepted {
		c.result.Metrics[MetricStatus+"."+out.name] = 1
	} else {
		c.result.Metrics[MetricStatus+"."+out.name] = 0
	}
	hash := ""
	if out.contract != nil {
		hash = out.contract.ContentHash
	}
	c.result.Outputs = append(c.result.Outputs, OutputResult{
		Name:           out.name,
		SchemaHash:     hash,
		Accepted:       out.accepted,
		Rows:           out.rows,
		QuarantineRows: out.quarantined,
	})
}

// releasePending drops any parked batches. Called on the failure path
// so a protocol error does not leak retained records.
func (c *consumer) releasePending() {
	for _, recs := range c.pending {
		for _, rec := range recs {
			rec.Release()
		}
	}
	c.pending = map[int][]arrow.Record{}
}

// finish validates terminal state after both channels drained.
func (c *consumer) finish() (*Result, error) {
	if len(c.pending) > 0 {
		c.releasePending()
		return nil, core.E(core.KindProtocolViolation,
			"data batches arrived for a stream no output_begin announced")
	}
	if c.open != nil {
		return nil, core.E(core.KindProtocolViolation,
			"child exited with output %q still open", c.open.name)
	}
	if c.childErr != nil {
		return nil, c.childErr
	}
	if !c.helloSeen {
		return nil, core.E(core.KindProtocolViolation, "child exited without hello")
	}
	c.result.Metrics[MetricOutputCount] = int64(len(c.result.Outputs))
	c.result.Metrics[MetricIsTransient] = 0
	return &c.result, nil
}

func sampleValue(rec arrow.Record, column string) string {
	sch := rec.Schema()
	for i, f := range sch.Fields() {
		if f.Name == column && rec.NumRows() > 0 {
			return rec.Column(i).ValueStr(0)
		}
	}
	return ""
}

func sampleRow(rec arrow.Record, row int64) string {
	if row >= rec.NumRows() || rec.NumCols() == 0 {
		return ""
	}
	limit := rec.NumCols()
	if limit > 4 {
		limit = 4
	}
	s := ""
	for i := int64(0); i < limit; i++ {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%s", rec.ColumnName(int(i)), rec.Column(int(i)).ValueStr(int(row)))
	}
	return s
}
