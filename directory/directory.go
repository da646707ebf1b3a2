// Package directory is the read-only view over the device directory: which
// devices exist, who owns them, and their push credentials. The directory is
// owned by the account service; the relay only reads it, except to
// deactivate a push token after the provider signals it is dead.
package directory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Environment selects which push provider endpoint a token belongs to.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// Device is one row of the device directory.
type Device struct {
	ID              string
	UserID          string
	DisplayName     string
	PushToken       *string
	PushEnvironment Environment
	PushEnabled     bool
}

// Pushable reports whether this device can be targeted with a push.
func (d Device) Pushable() bool {
	return d.PushEnabled && d.PushToken != nil && *d.PushToken != ""
}

// Directory looks up devices by ID and deactivates dead push tokens.
type Directory interface {
	Devices(ctx context.Context, deviceIDs []string) ([]Device, error)
	DeactivatePushToken(ctx context.Context, deviceID string) error
}

type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (d *PostgresDirectory) Devices(ctx context.Context, deviceIDs []string) ([]Device, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id, user_id, display_name, push_token, push_environment, push_enabled
	          FROM devices
	          WHERE id = ANY($1)`
	rows, err := d.pool.Query(ctx, query, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var dev Device
		if err := rows.Scan(&dev.ID, &dev.UserID, &dev.DisplayName, &dev.PushToken, &dev.PushEnvironment, &dev.PushEnabled); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// DeactivatePushToken flags the device as no longer pushable. Called after a
// terminal failure signal from the provider, e.g an ended live activity.
func (d *PostgresDirectory) DeactivatePushToken(ctx context.Context, deviceID string) error {
	query := `UPDATE devices SET push_enabled = FALSE, push_token = NULL WHERE id = $1`
	if _, err := d.pool.Exec(ctx, query, deviceID); err != nil {
		return fmt.Errorf("deactivate push token: %w", err)
	}
	return nil
}
