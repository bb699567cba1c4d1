package ackstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/cuemby/metasync/pkg/log"
	"github.com/cuemby/metasync/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store against a Postgres Shared Store via pgx.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the Shared Store using the given DSN.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ackstore: failed to connect to shared store: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool so the composition root can
// hand the same pool to pkg/eventsub, which listens on it directly rather
// than through PGStore's query helpers.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PGStore) EnsureDeploymentTables(ctx context.Context, deployment int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "ensure_tables")

	for _, stmt := range ddlForDeployment(deployment) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("ensure_tables").Inc()
			return fmt.Errorf("ackstore: ddl failed for deployment %d: %w", deployment, err)
		}
	}
	return nil
}

func (s *PGStore) InsertAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "insert_acks")

	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_acks").Inc()
		return fmt.Errorf("ackstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	table := ackTableName(deployment)
	batch := &pgx.Batch{}
	for _, r := range rows {
		ack := int16(0)
		if r.Acknowledged {
			ack = 1
		}
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (namenode_id, deployment_number, acknowledged, op_id, timestamp, leader_id)
				VALUES ($1,$2,$3,$4,$5,$6)`, table),
			int64(r.TargetNodeID), r.Deployment, ack, int64(r.OpID), r.TxStartTime, int64(r.LeaderID),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			metrics.StoreErrorsTotal.WithLabelValues("insert_acks").Inc()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return &DuplicateAckError{}
			}
			return fmt.Errorf("ackstore: insert acks: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_acks").Inc()
		return fmt.Errorf("ackstore: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_acks").Inc()
		return fmt.Errorf("ackstore: commit: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "delete_acks")

	if len(rows) == 0 {
		return nil
	}

	table := ackTableName(deployment)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("delete_acks").Inc()
		return fmt.Errorf("ackstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			fmt.Sprintf(`DELETE FROM %s WHERE namenode_id = $1 AND op_id = $2`, table),
			int64(r.TargetNodeID), int64(r.OpID),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			metrics.StoreErrorsTotal.WithLabelValues("delete_acks").Inc()
			return fmt.Errorf("ackstore: delete acks: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("delete_acks").Inc()
		return fmt.Errorf("ackstore: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("delete_acks").Inc()
		return fmt.Errorf("ackstore: commit: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateAck(ctx context.Context, target coordtypes.NodeID, op coordtypes.OpID, deployment int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "update_ack")

	table := ackTableName(deployment)
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET acknowledged = 1 WHERE namenode_id = $1 AND op_id = $2`, table),
		int64(target), int64(op),
	)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("update_ack").Inc()
		return fmt.Errorf("ackstore: update ack: %w", err)
	}
	return nil
}

func (s *PGStore) InsertInvalidations(ctx context.Context, rows []coordtypes.InvalidationRow, deployment int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "insert_invalidations")

	if len(rows) == 0 {
		return nil
	}

	table := invalidationTableName(deployment)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_invalidations").Inc()
		return fmt.Errorf("ackstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (inode_id, parent_id, leader_id, tx_start, op_id)
				VALUES ($1,$2,$3,$4,$5)`, table),
			r.InodeID, r.ParentID, int64(r.LeaderID), r.TxStartTime, int64(r.OpID),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			metrics.StoreErrorsTotal.WithLabelValues("insert_invalidations").Inc()
			return fmt.Errorf("ackstore: insert invalidations: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_invalidations").Inc()
		return fmt.Errorf("ackstore: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("insert_invalidations").Inc()
		return fmt.Errorf("ackstore: commit: %w", err)
	}
	return nil
}

func (s *PGStore) GetPendingAcks(ctx context.Context, leader coordtypes.NodeID, since time.Time, deployment int) ([]coordtypes.AckRow, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get_pending_acks")

	table := ackTableName(deployment)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT namenode_id, deployment_number, acknowledged, op_id, timestamp, leader_id
			FROM %s WHERE leader_id = $1 AND timestamp >= $2 AND acknowledged = 0`, table),
		int64(leader), coordtypes.TxStartMillis(since),
	)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("get_pending_acks").Inc()
		log.WithComponent("ackstore").Warn().Err(err).Msg("diagnostic read failed")
		return nil, fmt.Errorf("ackstore: get pending acks: %w", err)
	}
	defer rows.Close()

	var out []coordtypes.AckRow
	for rows.Next() {
		var (
			target, leaderID int64
			deploymentNumber int
			ack              int16
			opID, ts         int64
		)
		if err := rows.Scan(&target, &deploymentNumber, &ack, &opID, &ts, &leaderID); err != nil {
			return nil, fmt.Errorf("ackstore: scan pending ack: %w", err)
		}
		out = append(out, coordtypes.AckRow{
			TargetNodeID: coordtypes.NodeID(target),
			Deployment:   deploymentNumber,
			Acknowledged: ack == 1,
			OpID:         coordtypes.OpID(opID),
			TxStartTime:  ts,
			LeaderID:     coordtypes.NodeID(leaderID),
		})
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
