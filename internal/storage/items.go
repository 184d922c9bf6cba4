package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const itemColumns = `item_id, description, short_text, long_text, manufacturer,
	price, length_mm, width_mm, height_mm, weight_kg, locked_fields, updated_at`

// GetItem loads the enrichment target for itemID.
func (r repo) GetItem(ctx context.Context, itemID string) (Item, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID)

	var it Item
	var price, length, width, height, weight sql.NullFloat64
	var locked, updatedAt string
	err := row.Scan(&it.ItemID, &it.Description, &it.ShortText, &it.LongText, &it.Manufacturer,
		&price, &length, &width, &height, &weight, &locked, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item %s: %w", itemID, err)
	}
	it.Price = floatPtr(price)
	it.LengthMM = floatPtr(length)
	it.WidthMM = floatPtr(width)
	it.HeightMM = floatPtr(height)
	it.WeightKG = floatPtr(weight)
	it.LockedFields = decodeStrings(locked)
	if it.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Item{}, err
	}
	return it, nil
}

// SaveItem inserts or replaces the item snapshot.
func (r repo) SaveItem(ctx context.Context, it Item) error {
	if it.ItemID == "" {
		return errors.New("item id is required")
	}
	updatedAt := it.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			description = excluded.description,
			short_text = excluded.short_text,
			long_text = excluded.long_text,
			manufacturer = excluded.manufacturer,
			price = excluded.price,
			length_mm = excluded.length_mm,
			width_mm = excluded.width_mm,
			height_mm = excluded.height_mm,
			weight_kg = excluded.weight_kg,
			locked_fields = excluded.locked_fields,
			updated_at = excluded.updated_at`,
		it.ItemID, it.Description, it.ShortText, it.LongText, it.Manufacturer,
		nullableFloat(it.Price), nullableFloat(it.LengthMM), nullableFloat(it.WidthMM),
		nullableFloat(it.HeightMM), nullableFloat(it.WeightKG),
		encodeStrings(it.LockedFields), formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("save item %s: %w", it.ItemID, err)
	}
	return nil
}

// AddInstance records a physical instance of an item.
func (r repo) AddInstance(ctx context.Context, in Instance) error {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO instances (instance_id, item_id, location, created_at) VALUES (?, ?, ?, ?)`,
		in.InstanceID, in.ItemID, in.Location, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("add instance %s: %w", in.InstanceID, err)
	}
	return nil
}

// ListInstanceItemIDs returns the item ids referenced by physical instances,
// in first-seen order.
func (r repo) ListInstanceItemIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT item_id FROM instances GROUP BY item_id ORDER BY MIN(created_at), item_id`)
}

// ListItemIDs returns every item id in the catalog.
func (r repo) ListItemIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT item_id FROM items ORDER BY item_id`)
}

func (r repo) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
