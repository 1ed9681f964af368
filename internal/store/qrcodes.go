package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
)

const qrColumns = `id, token, state, item_id, version, created_at, updated_at`

// CreateQRCode registers a new unassigned QR code.
func CreateQRCode(ctx context.Context, c db.Conn, token string) (*model.QRCode, error) {
	now := time.Now().UTC()
	var id int64
	err := c.QueryRowContext(ctx,
		`INSERT INTO qr_codes (token, state, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id`,
		token, model.QRUnassigned, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating qr code: %w", err)
	}
	return GetQRCode(ctx, c, id)
}

// GetQRCode returns a QR code by ID.
func GetQRCode(ctx context.Context, c db.Conn, id int64) (*model.QRCode, error) {
	return getQRCode(ctx, c, `SELECT `+qrColumns+` FROM qr_codes WHERE id = ?`, id)
}

// GetQRCodeByToken returns the QR code printed with token.
func GetQRCodeByToken(ctx context.Context, c db.Conn, token string) (*model.QRCode, error) {
	return getQRCode(ctx, c, `SELECT `+qrColumns+` FROM qr_codes WHERE token = ?`, token)
}

// QRCodeForItem returns the QR code currently assigned to an item, if any.
func QRCodeForItem(ctx context.Context, c db.Conn, itemID int64) (*model.QRCode, error) {
	return getQRCode(ctx, c,
		`SELECT `+qrColumns+` FROM qr_codes WHERE item_id = ? AND state = 'assigned'`, itemID)
}

func getQRCode(ctx context.Context, c db.Conn, query string, arg any) (*model.QRCode, error) {
	qr := &model.QRCode{}
	err := c.QueryRowContext(ctx, query, arg).Scan(
		&qr.ID, &qr.Token, &qr.State, &qr.InventoryItemID, &qr.Version, &qr.CreatedAt, &qr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting qr code: %w", err)
	}
	return qr, nil
}

// SetQRCodeState moves a QR code to state with the given item. A zero
// baseVersion applies unconditionally; otherwise the stored version must match.
func SetQRCodeState(ctx context.Context, c db.Conn, id, baseVersion int64, state string, itemID *int64) error {
	query := `UPDATE qr_codes SET state = ?, item_id = ?, version = version + 1, updated_at = ? WHERE id = ?`
	args := []any{state, itemID, time.Now().UTC(), id}
	if baseVersion > 0 {
		query += ` AND version = ?`
		args = append(args, baseVersion)
	}

	result, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating qr code: %w", err)
	}
	n, _ := result.RowsAffected()
	return expectOne(n)
}
