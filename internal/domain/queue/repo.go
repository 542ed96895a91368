package queue

import "context"

// Repository persists queue records. Absent records are reported as
// kv.ErrNotFound (wrapped) except where noted.
type Repository interface {
	// GetCounter returns a zero counter when none exists yet.
	GetCounter(ctx context.Context, clinic, date string) (Counter, error)
	PutCounter(ctx context.Context, c Counter) error

	GetTicket(ctx context.Context, clinic, date string, number uint64) (*Ticket, error)
	// CreateTicket writes t only if its number is unused and reports
	// whether it did.
	CreateTicket(ctx context.Context, t *Ticket) (bool, error)
	PutTicket(ctx context.Context, t *Ticket) error
	// TicketNumbers lists every stored ticket number in ascending order.
	TicketNumbers(ctx context.Context, clinic, date string) ([]uint64, error)

	// GetUserTicket reports the latest ticket number of a patient.
	GetUserTicket(ctx context.Context, clinic, date, patient string) (uint64, bool, error)
	PutUserTicket(ctx context.Context, clinic, date, patient string, number uint64) error

	// GetOrder returns the clinic's ordered ticket numbers, empty if none.
	GetOrder(ctx context.Context, clinic, date string) ([]uint64, error)
	PutOrder(ctx context.Context, clinic, date string, order []uint64) error

	// GetCurrent returns nil when nobody has been called.
	GetCurrent(ctx context.Context, clinic, date string) (*CurrentCall, error)
	PutCurrent(ctx context.Context, c CurrentCall) error

	// MarkNotice records a one-shot notice and reports whether it was new.
	MarkNotice(ctx context.Context, kind, clinic, date string, number uint64) (bool, error)
}
