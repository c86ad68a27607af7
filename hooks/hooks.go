package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Journal Events
	EventPostJournalAppend EventType = "PostJournalAppend"
	EventPostJournalRotate EventType = "PostJournalRotate"
	EventPostJournalReplay EventType = "PostJournalReplay"

	// Checkpoint Events
	EventPostCheckpoint   EventType = "PostCheckpoint"
	EventCheckpointFailed EventType = "OnCheckpointFailed"

	// Lineage Events
	EventPreSubmitLineage     EventType = "PreSubmitLineage"
	EventPostSubmitLineage    EventType = "PostSubmitLineage"
	EventOnLineageStateChange EventType = "OnLineageStateChange"

	// Loss & Recovery Events
	EventOnBlocksLost            EventType = "OnBlocksLost"
	EventPostRecovery            EventType = "PostRecovery"
	EventOnUnrecoverableDataLoss EventType = "OnUnrecoverableDataLoss"

	// Completion Events
	EventOnFileCompleted EventType = "OnFileCompleted"

	// Master Lifecycle
	EventPreStartMaster  EventType = "PreStartMaster"
	EventPostStartMaster EventType = "PostStartMaster"
	EventPreCloseMaster  EventType = "PreCloseMaster"
	EventPostCloseMaster EventType = "PostCloseMaster"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener receives events it was registered for.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreSubmitLineage) cancels the operation.
	// Errors from other hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// JournalAppendPayload describes an entry that is durable in the journal.
type JournalAppendPayload struct {
	SeqNum    uint64
	EntryType string
	Bytes     int
}

// NewPostJournalAppendEvent creates an event for after an entry was appended and synced.
func NewPostJournalAppendEvent(payload JournalAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalAppend, payload: payload}
}

// JournalRotatePayload contains information about a journal segment rotation.
type JournalRotatePayload struct {
	OldFirstSeq    uint64
	NewFirstSeq    uint64
	NewSegmentPath string
}

func NewPostJournalRotateEvent(payload JournalRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalRotate, payload: payload}
}

// JournalReplayPayload contains information about a completed replay.
type JournalReplayPayload struct {
	FromSeq    uint64
	LastSeq    uint64
	Entries    int
	BestEffort bool
	Duration   time.Duration
}

// NewPostJournalReplayEvent creates an event for after startup replay is complete.
func NewPostJournalReplayEvent(payload JournalReplayPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalReplay, payload: payload}
}

// CheckpointPayload describes a checkpoint that was written.
type CheckpointPayload struct {
	SeqNum          uint64
	Path            string
	RawBytes        int64
	CompressedBytes int64
	Duration        time.Duration
}

func NewPostCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// CheckpointFailedPayload carries the error of a failed checkpoint attempt.
// The journal stays the source of truth when this fires.
type CheckpointFailedPayload struct {
	SeqNum uint64
	Error  error
}

func NewCheckpointFailedEvent(payload CheckpointFailedPayload) HookEvent {
	return &BaseEvent{eventType: EventCheckpointFailed, payload: payload}
}

// PreSubmitLineagePayload holds the submission before validation.
// Fields are pointers so listeners can rewrite the submission or veto it by
// returning an error.
type PreSubmitLineagePayload struct {
	Inputs  *[]core.FileID
	Outputs *[]core.FileID
	Spec    *core.JobSpec
}

func NewPreSubmitLineageEvent(payload PreSubmitLineagePayload) HookEvent {
	return &BaseEvent{eventType: EventPreSubmitLineage, payload: payload}
}

// PostSubmitLineagePayload describes an accepted lineage job.
type PostSubmitLineagePayload struct {
	JobID   core.JobID
	Inputs  []core.FileID
	Outputs []core.FileID
	Spec    core.JobSpec
}

func NewPostSubmitLineageEvent(payload PostSubmitLineagePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSubmitLineage, payload: payload}
}

// LineageStateChangePayload describes a journaled job state transition.
type LineageStateChangePayload struct {
	JobID core.JobID
	From  string
	To    string
}

func NewOnLineageStateChangeEvent(payload LineageStateChangePayload) HookEvent {
	return &BaseEvent{eventType: EventOnLineageStateChange, payload: payload}
}

// BlocksLostPayload reports blocks that no live worker holds any more.
type BlocksLostPayload struct {
	Blocks      []core.BlockID
	Files       []core.FileID
	DeadWorkers []core.WorkerID
}

func NewOnBlocksLostEvent(payload BlocksLostPayload) HookEvent {
	return &BaseEvent{eventType: EventOnBlocksLost, payload: payload}
}

// RecoveryPayload summarizes a finished recovery run.
type RecoveryPayload struct {
	Lost      []core.FileID
	Recovered []core.FileID
	Failed    map[core.FileID]error
	Jobs      int
	Duration  time.Duration
}

func NewPostRecoveryEvent(payload RecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// UnrecoverableDataLossPayload names a file no lineage can rebuild.
type UnrecoverableDataLossPayload struct {
	File    core.FileID
	Missing core.FileID
}

func NewOnUnrecoverableDataLossEvent(payload UnrecoverableDataLossPayload) HookEvent {
	return &BaseEvent{eventType: EventOnUnrecoverableDataLoss, payload: payload}
}

// FileCompletedPayload reports a file whose asynchronous completion was journaled.
type FileCompletedPayload struct {
	File   core.FileID
	SeqNum uint64
}

func NewOnFileCompletedEvent(payload FileCompletedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnFileCompleted, payload: payload}
}

// MasterLifecyclePayload is used for master start/close events.
type MasterLifecyclePayload struct {
	Dir     string
	LastSeq uint64
}

func NewPreStartMasterEvent(payload MasterLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreStartMaster, payload: payload}
}

func NewPostStartMasterEvent(payload MasterLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartMaster, payload: payload}
}

func NewPreCloseMasterEvent(payload MasterLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseMaster, payload: payload}
}

func NewPostCloseMasterEvent(payload MasterLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseMaster, payload: payload}
}

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			// The triggering operation may finish before the listener runs.
			if err := currentItem.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// TriggerIfSet fires event on m when m is non-nil. Components accept an
// optional manager and use this to stay nil-safe.
func TriggerIfSet(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
