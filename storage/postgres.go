package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Postgres persists boards, membership, the op log and snapshots in
// PostgreSQL. The op log's total order comes from incrementing the board
// row's last_seq and inserting the op inside one transaction: a failed
// insert rolls the counter back, so committed serverSeqs never hide a lost
// op behind a gap.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS boards (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			last_seq         BIGINT NOT NULL DEFAULT 0,
			require_approval BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS board_members (
			board_id TEXT NOT NULL REFERENCES boards(id),
			user_id  TEXT NOT NULL,
			role     TEXT NOT NULL,
			PRIMARY KEY (board_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS board_ops (
			board_id   TEXT NOT NULL REFERENCES boards(id),
			server_seq BIGINT NOT NULL,
			op_id      TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			op_type    TEXT NOT NULL,
			op_data    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (board_id, server_seq),
			UNIQUE (board_id, op_id, client_id)
		);
		CREATE TABLE IF NOT EXISTS board_snapshots (
			board_id   TEXT NOT NULL REFERENCES boards(id),
			seq        BIGINT NOT NULL,
			items      JSONB NOT NULL,
			item_order JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (board_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) CreateBoard(ctx context.Context, board Board) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO boards (id, name, last_seq, require_approval) VALUES ($1, $2, $3, $4)`,
		board.ID, board.Name, board.LastSeq, board.RequireApproval)
	if isUniqueViolation(err) {
		return ErrBoardExists
	}
	return err
}

func (p *Postgres) Board(ctx context.Context, boardID string) (Board, error) {
	var b Board
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, last_seq, require_approval, created_at FROM boards WHERE id = $1`,
		boardID).Scan(&b.ID, &b.Name, &b.LastSeq, &b.RequireApproval, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Board{}, ErrBoardNotFound
	}
	return b, err
}

func (p *Postgres) Member(ctx context.Context, boardID, userID string) (Member, error) {
	var m Member
	err := p.pool.QueryRow(ctx,
		`SELECT board_id, user_id, role FROM board_members WHERE board_id = $1 AND user_id = $2`,
		boardID, userID).Scan(&m.BoardID, &m.UserID, &m.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrMemberNotFound
	}
	return m, err
}

func (p *Postgres) PutMember(ctx context.Context, member Member) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO board_members (board_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (board_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		member.BoardID, member.UserID, member.Role)
	return err
}

func (p *Postgres) AppendOp(ctx context.Context, op SequencedOp) (SequencedOp, bool, error) {
	// fast path: a retransmission of an op we already committed
	existing, err := p.lookupOp(ctx, op.BoardID, op.OpID, op.ClientID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SequencedOp{}, false, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return SequencedOp{}, false, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE boards SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		op.BoardID).Scan(&op.ServerSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return SequencedOp{}, false, ErrBoardNotFound
	}
	if err != nil {
		return SequencedOp{}, false, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO board_ops (board_id, server_seq, op_id, client_id, user_id, op_type, op_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		op.BoardID, op.ServerSeq, op.OpID, op.ClientID, op.UserID, op.OpType, op.OpData,
	).Scan(&op.CreatedAt)
	if isUniqueViolation(err) {
		// lost the race with a concurrent retransmission; the rollback also
		// undoes our counter increment
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return SequencedOp{}, false, rbErr
		}
		existing, lookupErr := p.lookupOp(ctx, op.BoardID, op.OpID, op.ClientID)
		if lookupErr != nil {
			return SequencedOp{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return SequencedOp{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SequencedOp{}, false, err
	}
	return op, true, nil
}

func (p *Postgres) lookupOp(ctx context.Context, boardID, opID, clientID string) (SequencedOp, error) {
	var op SequencedOp
	err := p.pool.QueryRow(ctx, `
		SELECT board_id, server_seq, op_id, client_id, user_id, op_type, op_data, created_at
		FROM board_ops WHERE board_id = $1 AND op_id = $2 AND client_id = $3`,
		boardID, opID, clientID,
	).Scan(&op.BoardID, &op.ServerSeq, &op.OpID, &op.ClientID, &op.UserID, &op.OpType, &op.OpData, &op.CreatedAt)
	return op, err
}

func (p *Postgres) OpsAfter(ctx context.Context, boardID string, afterSeq int64) ([]SequencedOp, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT board_id, server_seq, op_id, client_id, user_id, op_type, op_data, created_at
		FROM board_ops WHERE board_id = $1 AND server_seq > $2
		ORDER BY server_seq ASC`,
		boardID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SequencedOp
	for rows.Next() {
		var op SequencedOp
		if err := rows.Scan(&op.BoardID, &op.ServerSeq, &op.OpID, &op.ClientID,
			&op.UserID, &op.OpType, &op.OpData, &op.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	items, err := json.Marshal(snap.Items)
	if err != nil {
		return err
	}
	order, err := json.Marshal(snap.ItemOrder)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO board_snapshots (board_id, seq, items, item_order) VALUES ($1, $2, $3, $4)
		ON CONFLICT (board_id, seq) DO NOTHING`,
		snap.BoardID, snap.Seq, items, order)
	return err
}

func (p *Postgres) LatestSnapshot(ctx context.Context, boardID string) (Snapshot, error) {
	var (
		snap  Snapshot
		items []byte
		order []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT board_id, seq, items, item_order, created_at
		FROM board_snapshots WHERE board_id = $1
		ORDER BY seq DESC LIMIT 1`,
		boardID).Scan(&snap.BoardID, &snap.Seq, &items, &order, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}

	if err := json.Unmarshal(items, &snap.Items); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot items: %w", err)
	}
	if err := json.Unmarshal(order, &snap.ItemOrder); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot order: %w", err)
	}
	return snap, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
