package durable

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/ridedispatch/internal/apperr"
	"github.com/example/ridedispatch/internal/geocell"
	"github.com/example/ridedispatch/internal/models"
)

// PostgresStore implements Store over a `drivers` table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.New(apperr.PermanentStore, "durable.NewPostgresStore", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperr.New(apperr.TransientStore, "durable.NewPostgresStore", err)
	}
	return &PostgresStore{db: db}, nil
}

// RunMigration executes a schema SQL file against the store's
// connection; callers gate this behind an explicit opt-in flag, as
// the teacher's main.go does for its own migration step.
func (p *PostgresStore) RunMigration(ctx context.Context, sqlText string) error {
	if _, err := p.db.ExecContext(ctx, sqlText); err != nil {
		return apperr.New(apperr.PermanentStore, "durable.RunMigration", err)
	}
	return nil
}

func (p *PostgresStore) GetDriverByID(ctx context.Context, driverID string) (models.DriverRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, user_id, name, license, vehicle, ride_count, rating,
		is_verified, is_blocked, last_lat, last_lon, last_cell_id, last_seen_at
		FROM drivers WHERE driver_id=$1`, driverID)
	return scanDriverRow(row)
}

func (p *PostgresStore) FindDriverByUser(ctx context.Context, userID string) (models.DriverRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, user_id, name, license, vehicle, ride_count, rating,
		is_verified, is_blocked, last_lat, last_lon, last_cell_id, last_seen_at
		FROM drivers WHERE user_id=$1`, userID)
	return scanDriverRow(row)
}

func scanDriverRow(row *sql.Row) (models.DriverRecord, bool, error) {
	var d models.DriverRecord
	var cellID int64
	err := row.Scan(&d.DriverID, &d.UserID, &d.Name, &d.License, &d.Vehicle, &d.RideCount, &d.Rating,
		&d.IsVerified, &d.IsBlocked, &d.LastLoc.Lat, &d.LastLoc.Lon, &cellID, &d.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverRecord{}, false, nil
	}
	if err != nil {
		return models.DriverRecord{}, false, apperr.New(apperr.TransientStore, "durable.scanDriverRow", err)
	}
	d.LastCellID = geocell.Cell(cellID)
	return d, true, nil
}

// UpdateDriverPosition is an idempotent update of the position slice
// of an existing driver record (spec §4.F phase 3), returning NotFound
// when no row matches; issuing it twice with the
// same values leaves the row unchanged, which is what lets the Sync
// Worker retry freely without double effects.
func (p *PostgresStore) UpdateDriverPosition(ctx context.Context, u PositionUpdate) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET last_lat=$1, last_lon=$2, last_cell_id=$3,
		is_online=$4, is_available=$5, last_seen_at=$6 WHERE driver_id=$7`,
		u.Loc.Lat, u.Loc.Lon, int64(u.CellID), u.IsOnline, u.IsAvailable, u.LastSeenAt, u.DriverID)
	if err != nil {
		return apperr.New(apperr.TransientStore, "durable.UpdateDriverPosition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.New(apperr.TransientStore, "durable.UpdateDriverPosition", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "durable.UpdateDriverPosition", nil)
	}
	return nil
}

func (p *PostgresStore) ListPendingVerifications(ctx context.Context) ([]models.DriverRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, user_id, name, license, vehicle, ride_count, rating,
		is_verified, is_blocked, last_lat, last_lon, last_cell_id, last_seen_at
		FROM drivers WHERE is_verified=false AND is_blocked=false`)
	if err != nil {
		return nil, apperr.New(apperr.TransientStore, "durable.ListPendingVerifications", err)
	}
	defer rows.Close()

	var out []models.DriverRecord
	for rows.Next() {
		var d models.DriverRecord
		var cellID int64
		if err := rows.Scan(&d.DriverID, &d.UserID, &d.Name, &d.License, &d.Vehicle, &d.RideCount, &d.Rating,
			&d.IsVerified, &d.IsBlocked, &d.LastLoc.Lat, &d.LastLoc.Lon, &cellID, &d.LastSeenAt); err != nil {
			return nil, apperr.New(apperr.TransientStore, "durable.ListPendingVerifications", err)
		}
		d.LastCellID = geocell.Cell(cellID)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.TransientStore, "durable.ListPendingVerifications", err)
	}
	return out, nil
}

func (p *PostgresStore) SetVerified(ctx context.Context, driverID string, verified bool) error {
	return p.setFlag(ctx, "is_verified", driverID, verified)
}

func (p *PostgresStore) SetBlocked(ctx context.Context, driverID string, blocked bool) error {
	return p.setFlag(ctx, "is_blocked", driverID, blocked)
}

func (p *PostgresStore) setFlag(ctx context.Context, column, driverID string, value bool) error {
	// column is never caller-controlled (only SetVerified/SetBlocked
	// call this with literal strings), so no injection surface here.
	query := `UPDATE drivers SET ` + column + `=$1 WHERE driver_id=$2`
	res, err := p.db.ExecContext(ctx, query, value, driverID)
	if err != nil {
		return apperr.New(apperr.TransientStore, "durable.setFlag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.New(apperr.TransientStore, "durable.setFlag", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "durable.setFlag", nil)
	}
	return nil
}
