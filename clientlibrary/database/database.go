package database

import (
	"context"
	"database/sql"

	"github.com/vmware/vmware-go-eph/clientlibrary/database/models"
)

type Datastore interface {
	ServiceName() string
	GetDBStats() sql.DBStats
	PingContext(context.Context) error
	Close() error
}

type LeaseDatastore interface {
	Datastore
	TableExists(ctx context.Context) (bool, error)
	CreateTable(ctx context.Context) error
	GetLease(ctx context.Context, partitionID string) (*models.Lease, error)

	// ScanLeases calls fn once per row. A row which cannot be read is passed with its error.
	ScanLeases(ctx context.Context, fn func(row *models.Lease, err error)) error

	// InsertLease returns false when the row already exists.
	InsertLease(ctx context.Context, partitionID string) (bool, error)

	// SaveLease writes row provided the stored version still equals row.Version,
	// and bumps the version. Returns false on a version conflict.
	SaveLease(ctx context.Context, row *models.Lease) (bool, error)

	DeleteLease(ctx context.Context, partitionID string) error
}
