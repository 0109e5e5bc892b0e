package query

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// RecordTask runs the generic create/update/delete operations of one model against the record store
type RecordTask struct {
	Store domain.RecordStore
	Model string
}

// NewRecordTask is a constructor that takes the record store as a dependency
func NewRecordTask(store domain.RecordStore, model string) RecordTask {
	return RecordTask{
		Store: store,
		Model: model,
	}
}

type idPayload struct {
	ID int64 `json:"id"`
}

type updatePayload struct {
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (q RecordTask) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	slog.DebugContext(ctx, "running record operation", "task_id", task.ID, "model", q.Model, "operation", task.Operation)

	switch task.Operation {
	case domain.OpCreate:
		data, err := decodeRecord(task.Payload)
		if err != nil {
			return nil, err
		}
		created, err := q.Store.Create(ctx, q.Model, data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(created)

	case domain.OpUpdate:
		var p updatePayload
		if err := decodeStrict(task.Payload, &p); err != nil {
			return nil, err
		}
		if p.ID <= 0 {
			return nil, errval.Validation("update needs a positive id")
		}
		data, err := decodeRecord(p.Data)
		if err != nil {
			return nil, err
		}
		updated, err := q.Store.Update(ctx, q.Model, p.ID, data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(updated)

	case domain.OpDelete:
		var p idPayload
		if err := decodeStrict(task.Payload, &p); err != nil {
			return nil, err
		}
		if p.ID <= 0 {
			return nil, errval.Validation("delete needs a positive id")
		}
		if err := q.Store.Delete(ctx, q.Model, p.ID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"id": p.ID, "deleted": true})

	case domain.OpBulkCreate:
		var raws []json.RawMessage
		if err := decodeStrict(task.Payload, &raws); err != nil {
			return nil, err
		}
		if len(raws) == 0 {
			return nil, errval.Validation("bulk-create needs at least one row")
		}
		rows := make([]domain.Record, 0, len(raws))
		for _, raw := range raws {
			row, err := decodeRecord(raw)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		created, err := q.Store.BulkCreate(ctx, q.Model, rows)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"created": len(created), "rows": created})

	case domain.OpBulkUpdate:
		var items []updatePayload
		if err := decodeStrict(task.Payload, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, errval.Validation("bulk-update needs at least one item")
		}
		updates := make([]domain.RecordUpdate, 0, len(items))
		for _, item := range items {
			if item.ID <= 0 {
				return nil, errval.Validation("bulk-update needs a positive id on every item")
			}
			data, err := decodeRecord(item.Data)
			if err != nil {
				return nil, err
			}
			updates = append(updates, domain.RecordUpdate{ID: item.ID, Data: data})
		}
		n, err := q.Store.BulkUpdate(ctx, q.Model, updates)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"updated": n})

	case domain.OpBulkDelete:
		var ids []int64
		if err := decodeStrict(task.Payload, &ids); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, errval.Validation("bulk-delete needs at least one id")
		}
		n, err := q.Store.BulkDelete(ctx, q.Model, ids)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"deleted": n})

	default:
		return nil, errval.Validation("operation %q is not a record operation", task.Operation)
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errval.Wrap(errval.KindValidation, "payload does not match the operation", err)
	}
	return nil
}

// decodeRecord keeps integers as int64 so they reach the database unchanged
func decodeRecord(raw json.RawMessage) (domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var record domain.Record
	if err := dec.Decode(&record); err != nil {
		return nil, errval.Wrap(errval.KindValidation, "payload must be a JSON object", err)
	}
	if len(record) == 0 {
		return nil, errval.Validation("payload has no fields")
	}

	for k, v := range record {
		record[k] = normalize(v)
	}
	return record, nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case map[string]any:
		for k, inner := range n {
			n[k] = normalize(inner)
		}
		return n
	case []any:
		for i, inner := range n {
			n[i] = normalize(inner)
		}
		return n
	default:
		return v
	}
}
