package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"

	"github.com/example/carpool-ledger/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func hashText(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func nullableWei(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev models.LifecycleEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO lifecycle_events(event_type, ride_id, actor, tx_hash, distance_meters, fare_wei, status, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tx_hash, event_type) WHERE tx_hash <> '' DO NOTHING`,
		string(ev.Type), int64(ev.RideID), ev.Actor.Hex(), hashText(ev.TxHash), int64(ev.DistanceMeters),
		nullableWei(ev.FareWei), ev.Status.String(), ev.At)
	return err
}

func (p *PostgresStore) SaveReconciliation(ctx context.Context, r models.Reconciliation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO reconciliations(tx_hash, passenger, fare_wei, distance_meters, reason, detail, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tx_hash) WHERE tx_hash <> '' DO NOTHING`,
		hashText(r.TxHash), r.Passenger.Hex(), r.FareWei, int64(r.DistanceMeters), r.Reason, r.Detail, r.CreatedAt)
	return err
}

func (p *PostgresStore) OpenReconciliations(ctx context.Context) ([]models.Reconciliation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tx_hash, passenger, fare_wei::text, distance_meters, reason, detail, created_at
		FROM reconciliations WHERE NOT resolved ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Reconciliation
	for rows.Next() {
		var (
			r        models.Reconciliation
			tx, pass string
			distance int64
		)
		if err := rows.Scan(&r.ID, &tx, &pass, &r.FareWei, &distance, &r.Reason, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		if tx != "" {
			r.TxHash = common.HexToHash(tx)
		}
		r.Passenger = common.HexToAddress(pass)
		r.DistanceMeters = uint64(distance)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveReconciliation(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE reconciliations SET resolved = true WHERE id = $1 AND NOT resolved`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownReconciliation
	}
	return nil
}
