package registry

import (
	"context"
	"fmt"
)

// ActivateDevice records an active device for a user.
func (r *Registry) ActivateDevice(ctx context.Context, d *Device) error {
	if d == nil {
		return fmt.Errorf("device is nil")
	}
	if d.ID == "" {
		d.ID = NewID("dev")
	}
	if d.ActivatedAt.IsZero() {
		d.ActivatedAt = r.now()
	}
	d.IsActive = true
	_, err := r.db.ExecContext(ctx, `INSERT INTO devices (id, user_id, fingerprint, is_active, activated_at)
		VALUES (?, ?, ?, 1, ?)`, d.ID, d.UserID, d.Fingerprint, d.ActivatedAt.Unix())
	if err != nil {
		return fmt.Errorf("activate device: %w", err)
	}
	return nil
}

// DeactivateDevice marks a device inactive.
func (r *Registry) DeactivateDevice(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE devices SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

// CountActiveDevices counts the user's active devices.
func (r *Registry) CountActiveDevices(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = ? AND is_active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}
