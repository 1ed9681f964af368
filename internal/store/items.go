package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

const itemColumns = `id, code, name, location_id, department_id, category_id, custom_fields,
	cost, book_value, purchase_date, version, created_at, updated_at`

// CreateItem creates a new inventory item.
func CreateItem(ctx context.Context, c db.Conn, p model.ItemPayload) (*model.InventoryItem, error) {
	fields, err := encodeFields(p.CustomFields)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var id int64
	err = c.QueryRowContext(ctx,
		`INSERT INTO items (code, name, location_id, department_id, category_id, custom_fields,
		                    cost, book_value, purchase_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Code, p.Name, p.LocationID, p.DepartmentID, p.CategoryID, fields,
		p.Cost, p.BookValue, p.PurchaseDate, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}
	return GetItem(ctx, c, id)
}

// GetItem returns an item by ID.
func GetItem(ctx context.Context, c db.Conn, id int64) (*model.InventoryItem, error) {
	item := &model.InventoryItem{}
	var fields string
	err := c.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Code, &item.Name, &item.LocationID, &item.DepartmentID, &item.CategoryID,
		&fields, &item.Cost, &item.BookValue, &item.PurchaseDate, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &item.CustomFields); err != nil {
		return nil, fmt.Errorf("decoding custom fields of item %d: %w", id, err)
	}
	return item, nil
}

// ItemCodeTaken reports whether another item (not exceptID) uses code.
func ItemCodeTaken(ctx context.Context, c db.Conn, code string, exceptID int64) (bool, error) {
	var count int
	err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE code = ? AND id <> ?`, code, exceptID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking item code: %w", err)
	}
	return count > 0, nil
}

// UpdateItem writes p to the item if its version is still baseVersion.
func UpdateItem(ctx context.Context, c db.Conn, id, baseVersion int64, p model.ItemPayload) error {
	fields, err := encodeFields(p.CustomFields)
	if err != nil {
		return err
	}

	result, err := c.ExecContext(ctx,
		`UPDATE items SET code = ?, name = ?, location_id = ?, department_id = ?, category_id = ?,
		        custom_fields = ?, cost = ?, book_value = ?, purchase_date = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Code, p.Name, p.LocationID, p.DepartmentID, p.CategoryID,
		fields, p.Cost, p.BookValue, p.PurchaseDate, time.Now().UTC(), id, baseVersion,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	n, _ := result.RowsAffected()
	return expectOne(n)
}

func encodeFields(fields map[string]string) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding custom fields: %w", err)
	}
	return string(b), nil
}
