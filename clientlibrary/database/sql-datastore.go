package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vmware/vmware-go-eph/clientlibrary/database/models"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

const leaseColumns = "consumer_group, partition_id, owner, token, epoch, lease_timeout, checkpoint_offset, sequence_number, version"

// SQLDatastore implements LeaseDatastore on database/sql. Rows are scoped by consumer group.
type SQLDatastore struct {
	db            *sql.DB
	dialect       string
	tableName     string
	consumerGroup string
}

func NewSQLDatastore(db *sql.DB, dialect, tableName, consumerGroup string) *SQLDatastore {
	return &SQLDatastore{
		db:            db,
		dialect:       dialect,
		tableName:     tableName,
		consumerGroup: consumerGroup,
	}
}

func (s *SQLDatastore) ServiceName() string {
	return s.dialect
}

func (s *SQLDatastore) GetDBStats() sql.DBStats {
	return s.db.Stats()
}

func (s *SQLDatastore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLDatastore) Close() error {
	return s.db.Close()
}

func (s *SQLDatastore) TableExists(ctx context.Context) (bool, error) {
	query := "SELECT count(*) FROM information_schema.tables WHERE table_name = ?"
	if s.dialect == DialectSQLite {
		query = "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), s.tableName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLDatastore) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		consumer_group VARCHAR(255) NOT NULL,
		partition_id VARCHAR(255) NOT NULL,
		owner VARCHAR(255) NOT NULL DEFAULT '',
		token VARCHAR(64) NOT NULL DEFAULT '',
		epoch BIGINT NOT NULL DEFAULT 0,
		lease_timeout BIGINT NOT NULL DEFAULT 0,
		checkpoint_offset VARCHAR(255) NOT NULL DEFAULT '',
		sequence_number BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (consumer_group, partition_id))`, s.tableName))
	return err
}

func (s *SQLDatastore) GetLease(ctx context.Context, partitionID string) (*models.Lease, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE consumer_group = ? AND partition_id = ?", leaseColumns, s.tableName)
	row := &models.Lease{}
	err := scanLease(s.db.QueryRowContext(ctx, s.rebind(query), s.consumerGroup, partitionID), row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *SQLDatastore) ScanLeases(ctx context.Context, fn func(row *models.Lease, err error)) error {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE consumer_group = ? ORDER BY partition_id", leaseColumns, s.tableName)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), s.consumerGroup)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row := &models.Lease{}
		if err := scanLease(rows, row); err != nil {
			fn(nil, err)
			continue
		}
		fn(row, nil)
	}
	return rows.Err()
}

func (s *SQLDatastore) InsertLease(ctx context.Context, partitionID string) (bool, error) {
	query := fmt.Sprintf("INSERT INTO %s (consumer_group, partition_id) VALUES (?, ?) ON CONFLICT DO NOTHING", s.tableName)
	res, err := s.db.ExecContext(ctx, s.rebind(query), s.consumerGroup, partitionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLDatastore) SaveLease(ctx context.Context, row *models.Lease) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET owner = ?, token = ?, epoch = ?, lease_timeout = ?,
		checkpoint_offset = ?, sequence_number = ?, version = version + 1
		WHERE consumer_group = ? AND partition_id = ? AND version = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		row.Owner, row.Token, row.Epoch, row.LeaseTimeout, row.Offset, row.SequenceNumber,
		s.consumerGroup, row.PartitionID, row.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		row.Version++
	}
	return n == 1, nil
}

func (s *SQLDatastore) DeleteLease(ctx context.Context, partitionID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE consumer_group = ? AND partition_id = ?", s.tableName)
	_, err := s.db.ExecContext(ctx, s.rebind(query), s.consumerGroup, partitionID)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(src scanner, row *models.Lease) error {
	return src.Scan(&row.ConsumerGroup, &row.PartitionID, &row.Owner, &row.Token, &row.Epoch,
		&row.LeaseTimeout, &row.Offset, &row.SequenceNumber, &row.Version)
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLDatastore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	i := 0
	for _, r := range query {
		if r == '?' {
			b.WriteString(nextVal(&i))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nextVal(i *int) string {
	*i += 1
	return fmt.Sprintf("%s%d", "$", *i)
}
