package queue

import (
	"context"
	"fmt"

	"github.com/ehr/queue/internal/platform/kv"
)

type kvRepo struct {
	store kv.Store
}

// NewKVRepository stores queue records in store under the queue:* keys.
func NewKVRepository(store kv.Store) Repository {
	return &kvRepo{store: store}
}

func (r *kvRepo) GetCounter(ctx context.Context, clinic, date string) (Counter, error) {
	c := Counter{ClinicID: clinic, Date: date}
	err := kv.GetJSON(ctx, r.store, CounterKey(clinic, date), &c)
	if kv.IsNotFound(err) {
		return Counter{ClinicID: clinic, Date: date}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("get counter %s/%s: %w", clinic, date, err)
	}
	return c, nil
}

func (r *kvRepo) PutCounter(ctx context.Context, c Counter) error {
	if err := kv.PutJSON(ctx, r.store, CounterKey(c.ClinicID, c.Date), c, EntryTTL); err != nil {
		return fmt.Errorf("put counter %s/%s: %w", c.ClinicID, c.Date, err)
	}
	return nil
}

func (r *kvRepo) GetTicket(ctx context.Context, clinic, date string, number uint64) (*Ticket, error) {
	var t Ticket
	if err := kv.GetJSON(ctx, r.store, TicketKey(clinic, date, number), &t); err != nil {
		return nil, fmt.Errorf("get ticket %s/%s/%d: %w", clinic, date, number, err)
	}
	return &t, nil
}

func (r *kvRepo) CreateTicket(ctx context.Context, t *Ticket) (bool, error) {
	ok, err := kv.PutJSONIfAbsent(ctx, r.store, TicketKey(t.ClinicID, t.Date, t.Number), t, EntryTTL)
	if err != nil {
		return false, fmt.Errorf("create ticket %s/%s/%d: %w", t.ClinicID, t.Date, t.Number, err)
	}
	return ok, nil
}

func (r *kvRepo) PutTicket(ctx context.Context, t *Ticket) error {
	if err := kv.PutJSON(ctx, r.store, TicketKey(t.ClinicID, t.Date, t.Number), t, EntryTTL); err != nil {
		return fmt.Errorf("put ticket %s/%s/%d: %w", t.ClinicID, t.Date, t.Number, err)
	}
	return nil
}

func (r *kvRepo) TicketNumbers(ctx context.Context, clinic, date string) ([]uint64, error) {
	keys, err := r.store.List(ctx, TicketPrefix(clinic, date))
	if err != nil {
		return nil, fmt.Errorf("list tickets %s/%s: %w", clinic, date, err)
	}
	out := make([]uint64, 0, len(keys))
	for _, k := range keys {
		if n, ok := ticketNumberFromKey(k); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *kvRepo) GetUserTicket(ctx context.Context, clinic, date, patient string) (uint64, bool, error) {
	var n uint64
	err := kv.GetJSON(ctx, r.store, UserKey(clinic, date, patient), &n)
	if kv.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get user ticket %s/%s/%s: %w", clinic, date, patient, err)
	}
	return n, true, nil
}

func (r *kvRepo) PutUserTicket(ctx context.Context, clinic, date, patient string, number uint64) error {
	if err := kv.PutJSON(ctx, r.store, UserKey(clinic, date, patient), number, EntryTTL); err != nil {
		return fmt.Errorf("put user ticket %s/%s/%s: %w", clinic, date, patient, err)
	}
	return nil
}

func (r *kvRepo) GetOrder(ctx context.Context, clinic, date string) ([]uint64, error) {
	var order []uint64
	err := kv.GetJSON(ctx, r.store, ListKey(clinic, date), &order)
	if kv.IsNotFound(err) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get list %s/%s: %w", clinic, date, err)
	}
	return order, nil
}

func (r *kvRepo) PutOrder(ctx context.Context, clinic, date string, order []uint64) error {
	if order == nil {
		order = []uint64{}
	}
	if err := kv.PutJSON(ctx, r.store, ListKey(clinic, date), order, EntryTTL); err != nil {
		return fmt.Errorf("put list %s/%s: %w", clinic, date, err)
	}
	return nil
}

func (r *kvRepo) GetCurrent(ctx context.Context, clinic, date string) (*CurrentCall, error) {
	var c CurrentCall
	err := kv.GetJSON(ctx, r.store, CurrentKey(clinic, date), &c)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current %s/%s: %w", clinic, date, err)
	}
	return &c, nil
}

func (r *kvRepo) PutCurrent(ctx context.Context, c CurrentCall) error {
	if err := kv.PutJSON(ctx, r.store, CurrentKey(c.ClinicID, c.Date), c, EntryTTL); err != nil {
		return fmt.Errorf("put current %s/%s: %w", c.ClinicID, c.Date, err)
	}
	return nil
}

func (r *kvRepo) MarkNotice(ctx context.Context, kind, clinic, date string, number uint64) (bool, error) {
	ok, err := r.store.PutIfAbsent(ctx, NoticeKey(kind, clinic, date, number), []byte("1"), NoticeTTL)
	if err != nil {
		return false, fmt.Errorf("mark %s notice %s/%s/%d: %w", kind, clinic, date, number, err)
	}
	return ok, nil
}
