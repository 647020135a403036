package sessionloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Instruction is one unit of work dispatched to the remote executor.
// Delivery is at most once per dispatch attempt.
type Instruction struct {
	ID              string  `json:"instruction_id"`
	Script          string  `json:"code"`
	ExpectsRender   bool    `json:"expects_render,omitempty"`
	ImagePrefix     string  `json:"image_prefix,omitempty"`
	Count           int     `json:"count,omitempty"`
	ResolutionScale float64 `json:"resolution_scale,omitempty"`
	GPURendering    bool    `json:"gpu_rendering,omitempty"`
}

// Report is the executor's result for one instruction.
type Report struct {
	InstructionID string                 `json:"instruction_id"`
	OK            bool                   `json:"ok"`
	Detail        string                 `json:"message,omitempty"` // verbatim error, present iff !OK
	Elapsed       time.Duration          `json:"elapsed"`
	Payload       map[string]interface{} `json:"result,omitempty"`
}

// ImageUpload is one rendered image sent by the executor after a
// render instruction. Index is 1-based; the batch for an instruction
// shares a prefix.
type ImageUpload struct {
	InstructionID string `json:"instruction_id"`
	Prefix        string `json:"image_prefix"`
	Index         int    `json:"index"`
	Blob          []byte `json:"-"`
}

// Filename returns the stable name for the upload, e.g. "render_3.png".
func (u ImageUpload) Filename() string {
	return fmt.Sprintf("%s_%d.png", u.Prefix, u.Index)
}

// ExecutionChannel is the duplex link between the orchestrator and one
// remote executor. A channel serves exactly one session at a time: the
// executor is a single-threaded, stateful target that cannot
// interleave scripts.
type ExecutionChannel interface {
	// Dispatch sends an instruction to the executor.
	Dispatch(ctx context.Context, instr Instruction) error

	// NextReport blocks until the executor reports a result or ctx
	// expires.
	NextReport(ctx context.Context) (Report, error)

	// NextImage blocks until the executor uploads the next rendered
	// image or ctx expires.
	NextImage(ctx context.Context) (ImageUpload, error)

	Close() error
}

// ErrChannelClosed is returned by LocalChannel operations after Close.
var ErrChannelClosed = errors.New("execution channel closed")

// LocalChannel is an in-process ExecutionChannel backed by buffered Go
// channels. The orchestrator side uses the ExecutionChannel methods;
// the executor side consumes Instructions and calls SubmitReport and
// SubmitImage. Tests and embedded executors both attach here.
type LocalChannel struct {
	instructions chan Instruction
	reports      chan Report
	images       chan ImageUpload
	closed       bool
	mu           sync.Mutex
}

// NewLocalChannel creates a LocalChannel with the given buffer size on
// each direction.
func NewLocalChannel(bufferSize int) *LocalChannel {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &LocalChannel{
		instructions: make(chan Instruction, bufferSize),
		reports:      make(chan Report, bufferSize),
		images:       make(chan ImageUpload, bufferSize),
	}
}

// Dispatch holds the lock across the send so Close cannot close the
// instruction stream out from under it.
func (c *LocalChannel) Dispatch(ctx context.Context, instr Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}

	select {
	case c.instructions <- instr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LocalChannel) NextReport(ctx context.Context) (Report, error) {
	select {
	case r, ok := <-c.reports:
		if !ok {
			return Report{}, ErrChannelClosed
		}
		return r, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (c *LocalChannel) NextImage(ctx context.Context) (ImageUpload, error) {
	select {
	case u, ok := <-c.images:
		if !ok {
			return ImageUpload{}, ErrChannelClosed
		}
		return u, nil
	case <-ctx.Done():
		return ImageUpload{}, ctx.Err()
	}
}

// Close releases the channel. Safe to call multiple times.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.instructions)
	}
	return nil
}

// Instructions returns the executor-side instruction stream. The
// channel is closed when the orchestrator side closes.
func (c *LocalChannel) Instructions() <-chan Instruction {
	return c.instructions
}

// SubmitReport delivers an executor result. Reports submitted after
// Close are dropped.
func (c *LocalChannel) SubmitReport(r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.reports <- r:
	default:
		// Buffer full; the orchestrator has stopped consuming.
	}
}

// SubmitImage delivers one rendered image.
func (c *LocalChannel) SubmitImage(u ImageUpload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.images <- u:
	default:
	}
}
