package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/progress"
)

// Message types on the wire
const (
	TypeHello   = "hello"
	TypeEvent   = "event"
	TypeReply   = "reply"
	TypeCommand = "command"
	TypeState   = "state"
)

// DefaultEventQueue bounds the events waiting for the handler.
const DefaultEventQueue = 1024

// frameOverhead is the room left for the JSON envelope around a state.
const frameOverhead = 64 << 10

// ErrEventQueueFull is returned by Serve when the page sends events faster
// than the handler consumes them.
var ErrEventQueueFull = errors.New("engine event queue full")

// FrameLimit returns the largest frame a page may send when machine states
// are at most maxState bytes. States travel base64 encoded.
func FrameLimit(maxState int64) int64 {
	return (maxState+2)/3*4 + frameOverhead
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithReadLimit caps the size of a frame read from the page. Larger frames
// close the connection.
func WithReadLimit(n int64) BridgeOption {
	return func(b *Bridge) { b.readLimit = n }
}

// WithEventQueue caps the events waiting for the handler.
func WithEventQueue(n int) BridgeOption {
	return func(b *Bridge) { b.queueLimit = n }
}

// Message is the JSON frame exchanged with the page.
type Message struct {
	Type         string                  `json:"type"`
	ID           uint64                  `json:"id,omitempty"`
	Command      string                  `json:"command,omitempty"`
	Method       string                  `json:"method,omitempty"`
	Event        string                  `json:"event,omitempty"`
	Progress     *progress.DownloadEvent `json:"progress,omitempty"`
	Enabled      *bool                   `json:"enabled,omitempty"`
	Capabilities *Capabilities           `json:"capabilities,omitempty"`
	OK           bool                    `json:"ok,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Running      bool                    `json:"running,omitempty"`
	Data         []byte                  `json:"data,omitempty"`
	State        any                     `json:"state,omitempty"`
}

// Bridge is an Engine backed by a page connected over a WebSocket. Replies
// are matched to commands by id on the reader goroutine; events are queued
// and handed to the handler on a separate goroutine, in arrival order, so a
// handler blocked on an engine command never stalls the reply it waits for.
type Bridge struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	readLimit  int64
	queueLimit int

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	queue   []Event
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewBridge wraps an upgraded connection.
func NewBridge(conn *websocket.Conn, logger *slog.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		conn:       conn,
		logger:     logger.With("component", "engine_bridge"),
		queueLimit: DefaultEventQueue,
		pending:    make(map[uint64]chan Message),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.readLimit > 0 {
		conn.SetReadLimit(b.readLimit)
	}
	return b
}

// Serve reads frames until the connection closes, delivering events to
// handle. It returns nil on a normal close.
func (b *Bridge) Serve(ctx context.Context, handle func(Event)) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.dispatch(handle)
	}()

	stop := context.AfterFunc(ctx, func() { b.conn.Close() })
	defer stop()

	err := b.read()
	b.shutdown()
	<-done

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Close closes the underlying connection; Serve returns shortly after.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// Done is closed once the connection is gone.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

// Push sends a state frame to the page. It does not wait for a reply.
func (b *Bridge) Push(state any) error {
	return b.write(Message{Type: TypeState, State: state})
}

// Run starts or resumes the engine.
func (b *Bridge) Run(ctx context.Context) error {
	_, err := b.call(ctx, Message{Command: CommandRun})
	return err
}

// Stop halts the engine.
func (b *Bridge) Stop(ctx context.Context) error {
	_, err := b.call(ctx, Message{Command: CommandStop})
	return err
}

// Restart reboots the engine.
func (b *Bridge) Restart(ctx context.Context) error {
	_, err := b.call(ctx, Message{Command: CommandRestart})
	return err
}

// IsRunning asks the page whether the engine is running.
func (b *Bridge) IsRunning(ctx context.Context) (bool, error) {
	reply, err := b.call(ctx, Message{Command: CommandIsRunning})
	if err != nil {
		return false, err
	}
	return reply.Running, nil
}

// SaveState returns the engine's serialized machine state.
func (b *Bridge) SaveState(ctx context.Context) ([]byte, error) {
	reply, err := b.call(ctx, Message{Command: CommandSaveState})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// RestoreState loads a serialized machine state into the engine.
func (b *Bridge) RestoreState(ctx context.Context, state []byte) error {
	_, err := b.call(ctx, Message{Command: CommandRestoreState, Data: state})
	return err
}

// Capture invokes a page primitive by name.
func (b *Bridge) Capture(ctx context.Context, method string) error {
	_, err := b.call(ctx, Message{Command: CommandCapture, Method: method})
	return err
}

func (b *Bridge) call(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)

	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		return Message{}, errors.ErrEngineClosed
	default:
	}
	b.nextID++
	id := b.nextID
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	msg.Type = TypeCommand
	msg.ID = id
	b.logger.Debug("engine_command_sent", "command", msg.Command, "id", id)
	if err := b.write(msg); err != nil {
		return Message{}, errors.Wrap(err, "send "+msg.Command)
	}

	select {
	case reply := <-ch:
		if !reply.OK {
			return reply, fmt.Errorf("engine %s: %s", msg.Command, reply.Error)
		}
		return reply, nil
	case <-b.closed:
		return Message{}, errors.Wrap(errors.ErrEngineClosed, msg.Command)
	case <-ctx.Done():
		return Message{}, errors.Wrap(ctx.Err(), msg.Command)
	}
}

func (b *Bridge) write(msg Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

func (b *Bridge) read() error {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("engine_frame_invalid", "error", err)
			continue
		}

		switch msg.Type {
		case TypeReply:
			b.mu.Lock()
			ch, ok := b.pending[msg.ID]
			b.mu.Unlock()
			if !ok {
				b.logger.Warn("engine_reply_unmatched", "id", msg.ID)
				continue
			}
			select {
			case ch <- msg:
			default:
				b.logger.Warn("engine_reply_duplicate", "id", msg.ID)
			}
		case TypeHello:
			ev := Event{Name: EventHello}
			if msg.Capabilities != nil {
				ev.Capabilities = *msg.Capabilities
			}
			if err := b.enqueue(ev); err != nil {
				return err
			}
		case TypeEvent:
			ev := Event{Name: msg.Event}
			if msg.Progress != nil {
				ev.Progress = *msg.Progress
			}
			if msg.Enabled != nil {
				ev.Enabled = *msg.Enabled
			}
			if err := b.enqueue(ev); err != nil {
				return err
			}
		default:
			b.logger.Warn("engine_frame_unknown", "type", msg.Type)
		}
	}
}

func (b *Bridge) enqueue(ev Event) error {
	b.mu.Lock()
	if b.queueLimit > 0 && len(b.queue) >= b.queueLimit {
		b.mu.Unlock()
		b.logger.Error("engine_event_queue_full", "event", ev.Name, "limit", b.queueLimit)
		return ErrEventQueueFull
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bridge) dispatch(handle func(Event)) {
	for {
		select {
		case <-b.wake:
		case <-b.closed:
			return
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			handle(ev)
		}
	}
}

func (b *Bridge) shutdown() {
	b.once.Do(func() {
		b.mu.Lock()
		close(b.closed)
		b.mu.Unlock()
		b.conn.Close()
	})
}
