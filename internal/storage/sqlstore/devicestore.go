package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/blockloop/scan/v2"

	"github.com/tinywideclouds/go-gcm-device-service/pkg/device"
	"github.com/tinywideclouds/go-gcm-device-service/pkg/dispatch"
)

var deviceColumns = []string{
	"dev_id", "reg_id", "name", "created_at", "modified_at", "is_active", "deactivation_reason", "owner_id",
}

// DeviceStore implements dispatch.Store over database/sql.
type DeviceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db, now: time.Now}
}

func (s *DeviceStore) timestamp() time.Time {
	// DATETIME columns hold whole seconds on MySQL.
	return s.now().UTC().Truncate(time.Second)
}

func (s *DeviceStore) FindByRegistrationIDs(ctx context.Context, registrationIDs []string) ([]device.Device, error) {
	if len(registrationIDs) == 0 {
		return nil, nil
	}
	query := sq.Select(deviceColumns...).
		From("devices").
		Where(sq.Eq{"reg_id": registrationIDs}).
		PlaceholderFormat(sq.Question)

	devices, err := s.query(ctx, query)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *DeviceStore) Deactivate(ctx context.Context, d device.Device, reason string) error {
	query := sq.Update("devices").
		Set("is_active", false).
		Set("deactivation_reason", reason).
		Set("modified_at", s.timestamp()).
		Where(sq.Eq{"dev_id": d.DeviceID, "is_active": true}).
		PlaceholderFormat(sq.Question)

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("query build failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

func (s *DeviceStore) ListActiveRegistrationIDs(ctx context.Context, filter device.Filter) ([]string, error) {
	query := sq.Select(deviceColumns...).
		From("devices").
		Where(sq.Eq{"is_active": true}).
		OrderBy("modified_at DESC", "dev_id ASC").
		PlaceholderFormat(sq.Question)
	if len(filter.DeviceIDs) > 0 {
		query = query.Where(sq.Eq{"dev_id": filter.DeviceIDs})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}

	devices, err := s.query(ctx, query)
	if err != nil {
		return nil, err
	}
	return device.Devices(devices).RegistrationIDs(), nil
}

func (s *DeviceStore) Register(ctx context.Context, d device.Device) (device.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return device.Device{}, fmt.Errorf("begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	holder, err := queryString(ctx, tx, sq.Select("dev_id").
		From("devices").
		Where(sq.Eq{"reg_id": d.RegistrationID}).
		Where(sq.NotEq{"dev_id": d.DeviceID}))
	if err != nil {
		return device.Device{}, err
	}
	if holder != "" {
		return device.Device{}, dispatch.ErrRegistrationInUse
	}

	owner, err := queryString(ctx, tx, sq.Select("owner_id").
		From("devices").
		Where(sq.Eq{"dev_id": d.DeviceID}))
	if err != nil {
		return device.Device{}, err
	}
	if owner != "" && owner != d.OwnerID {
		return device.Device{}, dispatch.ErrNotDeviceOwner
	}

	d, err = s.upsert(ctx, tx, d)
	if err != nil {
		return device.Device{}, err
	}

	if err := tx.Commit(); err != nil {
		return device.Device{}, fmt.Errorf("commit failed: %w", err)
	}
	return d, nil
}

// upsert writes d as an active device. A registration ID taken between the
// ownership checks and the write surfaces as ErrRegistrationInUse on either path.
func (s *DeviceStore) upsert(ctx context.Context, tx *sql.Tx, d device.Device) (device.Device, error) {
	now := s.timestamp()
	d.ModifiedAt = now
	d.IsActive = true
	d.DeactivationReason = ""

	update := sq.Update("devices").
		Set("reg_id", d.RegistrationID).
		Set("name", d.Name).
		Set("owner_id", d.OwnerID).
		Set("modified_at", now).
		Set("is_active", true).
		Set("deactivation_reason", "").
		Where(sq.Eq{"dev_id": d.DeviceID}).
		PlaceholderFormat(sq.Question)
	affected, err := exec(ctx, tx, update)
	if err != nil {
		if isUniqueViolation(err) {
			return device.Device{}, dispatch.ErrRegistrationInUse
		}
		return device.Device{}, err
	}

	if affected > 0 {
		created, err := queryTime(ctx, tx, sq.Select("created_at").
			From("devices").
			Where(sq.Eq{"dev_id": d.DeviceID}))
		if err != nil {
			return device.Device{}, err
		}
		d.CreatedAt = created
		return d, nil
	}

	d.CreatedAt = now
	insert := sq.Insert("devices").
		Columns(deviceColumns...).
		Values(d.DeviceID, d.RegistrationID, d.Name, d.CreatedAt, d.ModifiedAt, true, "", d.OwnerID).
		PlaceholderFormat(sq.Question)
	if _, err := exec(ctx, tx, insert); err != nil {
		if isUniqueViolation(err) {
			return device.Device{}, dispatch.ErrRegistrationInUse
		}
		return device.Device{}, err
	}
	return d, nil
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (device.Device, error) {
	query := sq.Select(deviceColumns...).
		From("devices").
		Where(sq.Eq{"dev_id": deviceID}).
		PlaceholderFormat(sq.Question)

	devices, err := s.query(ctx, query)
	if err != nil {
		return device.Device{}, err
	}
	if len(devices) == 0 {
		return device.Device{}, dispatch.ErrDeviceNotFound
	}
	return devices[0], nil
}

func (s *DeviceStore) query(ctx context.Context, query sq.SelectBuilder) ([]device.Device, error) {
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("query build failed: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var devices []device.Device
	if err := scan.Rows(&devices, rows); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return devices, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func exec(ctx context.Context, tx execer, query sq.Sqlizer) (int64, error) {
	stmt, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("query build failed: %w", err)
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("exec failed: %w", err)
	}
	return res.RowsAffected()
}

// queryString returns the first column of the first row, or "" when there are none.
func queryString(ctx context.Context, tx *sql.Tx, query sq.SelectBuilder) (string, error) {
	stmt, args, err := query.Limit(1).PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return "", fmt.Errorf("query build failed: %w", err)
	}
	var out string
	err = tx.QueryRowContext(ctx, stmt, args...).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	return out, nil
}

func queryTime(ctx context.Context, tx *sql.Tx, query sq.SelectBuilder) (time.Time, error) {
	stmt, args, err := query.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("query build failed: %w", err)
	}
	var out time.Time
	if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&out); err != nil {
		return time.Time{}, fmt.Errorf("query failed: %w", err)
	}
	return out, nil
}
