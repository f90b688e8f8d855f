package workflow

import (
	"context"
)

// Notifier is the outbound notification port. The engine calls it after
// durable writes; formatting, queuing, and delivery are the
// implementation's concern. A notifier failure must never roll back or
// block a decision that was already recorded, so the engine logs and
// otherwise ignores returned errors.
type Notifier interface {
	// ApprovalRequested announces a newly issued approval row.
	ApprovalRequested(ctx context.Context, approval Approval, inst Instance) error

	// ApprovalDecided announces a recorded decision.
	ApprovalDecided(ctx context.Context, approval Approval, decision Decision) error

	// InstanceStatusChanged announces an instance status transition.
	InstanceStatusChanged(ctx context.Context, inst Instance, oldStatus, newStatus InstanceStatus) error
}

// NopNotifier is a Notifier that discards all notifications.
type NopNotifier struct{}

// ApprovalRequested implements Notifier.
func (NopNotifier) ApprovalRequested(context.Context, Approval, Instance) error { return nil }

// ApprovalDecided implements Notifier.
func (NopNotifier) ApprovalDecided(context.Context, Approval, Decision) error { return nil }

// InstanceStatusChanged implements Notifier.
func (NopNotifier) InstanceStatusChanged(context.Context, Instance, InstanceStatus, InstanceStatus) error {
	return nil
}

// Logger defines the logging interface used across the module.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// NopLogger is a Logger that discards all messages.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}
