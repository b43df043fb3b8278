package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/duavoice/internal/events"
	"github.com/ent0n29/duavoice/internal/observability"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidStatus     = errors.New("invalid operation status")
)

const defaultRetention = 24 * time.Hour

// Operation is an async generation waiting on its vendor.
type Operation struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	UserID       string          `json:"userId"`
	Status       Status          `json:"status"`
	VendorTaskID string          `json:"vendorTaskId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`

	// ChargeRef is the credits reference the operation was paid under.
	ChargeRef string `json:"-"`
}

// Refunder gives back the credits of a charged operation.
type Refunder interface {
	RefundOperation(userID, operation, reference string) error
}

// Tracker keeps operations in process memory. Terminal operations are
// pruned after the retention window.
type Tracker struct {
	mu        sync.RWMutex
	ops       map[string]*Operation
	byTask    map[string]string
	retention time.Duration
	publisher events.Publisher
	refunder  Refunder
	log       *slog.Logger
	now       func() time.Time
}

func NewTracker(publisher events.Publisher, log *slog.Logger) *Tracker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = observability.DiscardLogger()
	}
	return &Tracker{
		ops:       make(map[string]*Operation),
		byTask:    make(map[string]string),
		retention: defaultRetention,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRefunder installs the refunder used when a charged operation fails.
func (t *Tracker) SetRefunder(r Refunder) {
	t.mu.Lock()
	t.refunder = r
	t.mu.Unlock()
}

func (t *Tracker) Create(kind, userID string) Operation {
	return t.CreateCharged(kind, userID, "")
}

// CreateCharged creates an operation paid for under chargeRef. If the vendor
// later reports it failed, the charge is refunded once.
func (t *Tracker) CreateCharged(kind, userID, chargeRef string) Operation {
	now := t.now()
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ChargeRef: chargeRef,
	}
	t.mu.Lock()
	t.pruneLocked(now)
	t.ops[op.ID] = op
	t.mu.Unlock()
	return *op
}

// AttachVendorTask records the vendor's task id so callbacks that only carry
// the task id can find the operation.
func (t *Tracker) AttachVendorTask(id, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.VendorTaskID = taskID
	op.UpdatedAt = t.now()
	if taskID != "" {
		t.byTask[taskID] = id
	}
	return nil
}

func (t *Tracker) Get(id string) (Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return *op, nil
}

// Resolve finds an operation by its id, falling back to the vendor task id.
func (t *Tracker) Resolve(id, taskID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.ops[id]; ok {
		return id, nil
	}
	if opID, ok := t.byTask[taskID]; ok && taskID != "" {
		return opID, nil
	}
	return "", ErrOperationNotFound
}

// Complete moves an operation to a terminal status. Updating an already
// terminal operation is ignored so duplicate callbacks are harmless.
func (t *Tracker) Complete(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) (Operation, error) {
	return t.complete(ctx, id, status, result, errMsg, true)
}

// complete with refund=false is for failures the caller already refunds,
// such as a vendor rejecting the request inside a credits-gated call.
func (t *Tracker) complete(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string, refund bool) (Operation, error) {
	if !status.Terminal() {
		return Operation{}, ErrInvalidStatus
	}
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return Operation{}, ErrOperationNotFound
	}
	if op.Status.Terminal() {
		snapshot := *op
		t.mu.Unlock()
		return snapshot, nil
	}
	op.Status = status
	op.Result = result
	op.Error = errMsg
	op.UpdatedAt = t.now()
	snapshot := *op
	refunder := t.refunder
	t.mu.Unlock()

	if refund && status == StatusFailed && snapshot.ChargeRef != "" && refunder != nil {
		if err := refunder.RefundOperation(snapshot.UserID, snapshot.Kind, snapshot.ChargeRef); err != nil {
			t.log.Error("refund failed operation", "operation_id", id, "user_id", snapshot.UserID, "error", err)
		} else {
			t.log.Info("refunded failed operation", "operation_id", id, "user_id", snapshot.UserID)
		}
	}

	if err := t.publisher.Publish(ctx, events.SubjectGenerationCompleted, snapshot); err != nil {
		t.log.Warn("publish generation event failed", "operation_id", id, "error", err)
	}
	return snapshot, nil
}

// ParseStatus maps vendor status words onto operation statuses.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "success", "succeeded", "done":
		return StatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (t *Tracker) pruneLocked(now time.Time) {
	for id, op := range t.ops {
		if op.Status.Terminal() && now.Sub(op.UpdatedAt) > t.retention {
			delete(t.ops, id)
			if op.VendorTaskID != "" {
				delete(t.byTask, op.VendorTaskID)
			}
		}
	}
}
