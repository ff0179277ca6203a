package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

// DeclareRecord makes a record known to the registry. Declaring the same
// record twice is a no-op. Returns true if the record was new.
func (tx *Tx) DeclareRecord(ctx context.Context, rec prov.RecordRef, at time.Time) (bool, error) {
	if rec.Stream == "" || rec.ID == "" {
		return false, fmt.Errorf("declare record: stream and id are required, got %q", rec.String())
	}
	res, err := tx.exec(ctx, `
		INSERT INTO records (stream, record_id, declared_at) VALUES (?, ?, ?)
		ON CONFLICT (stream, record_id) DO NOTHING
	`, rec.Stream, rec.ID, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("declare record %s: %w", rec, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("declare record %s: rows affected: %w", rec, err)
	}
	return n == 1, nil
}

// OpenBlock creates a new, open data block for the stream.
func (tx *Tx) OpenBlock(ctx context.Context, stream string, epoch prov.EpochID, session string, at time.Time) (prov.BlockID, error) {
	var id prov.BlockID
	err := tx.queryRow(ctx, `
		INSERT INTO data_blocks (stream, opened_at, closed_at, epoch_at_open, session)
		VALUES (?, ?, NULL, ?, ?)
		RETURNING block_id
	`, stream, toNanos(at), epoch, session).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open block: %w", err)
	}
	return id, nil
}

// AddMember appends a declared record to an open block. Fails with
// prov.ErrBlockClosed if the block is closed and prov.ErrDuplicateRecord if
// the record already belongs to any block.
func (tx *Tx) AddMember(ctx context.Context, blockID prov.BlockID, rec prov.RecordRef) error {
	b, err := tx.block(ctx, blockID)
	if err != nil {
		return err
	}
	if b.IsClosed() {
		return prov.NewBlockClosed(blockID)
	}
	if b.Stream != rec.Stream {
		return fmt.Errorf("add member: record %s does not belong to stream %q of block %d", rec, b.Stream, blockID)
	}

	existing, found, err := tx.blockOf(ctx, rec)
	if err != nil {
		return err
	}
	if found {
		return prov.NewDuplicateRecord(rec, existing)
	}

	_, err = tx.exec(ctx, `
		INSERT INTO block_members (block_id, stream, record_id, position)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM block_members WHERE block_id = ?))
	`, blockID, rec.Stream, rec.ID, blockID)
	if err != nil {
		return fmt.Errorf("add member %s to block %d: %w", rec, blockID, err)
	}
	return nil
}

// CloseBlock marks a block immutable. Closing an already closed block
// fails with prov.ErrBlockClosed.
func (tx *Tx) CloseBlock(ctx context.Context, blockID prov.BlockID, at time.Time) error {
	res, err := tx.exec(ctx, `
		UPDATE data_blocks SET closed_at = ?
		WHERE block_id = ? AND closed_at IS NULL
	`, toNanos(at), blockID)
	if err != nil {
		return fmt.Errorf("close block %d: %w", blockID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close block %d: rows affected: %w", blockID, err)
	}
	if n == 0 {
		if _, err := tx.block(ctx, blockID); err != nil {
			return err
		}
		return prov.NewBlockClosed(blockID)
	}
	return nil
}

// GroupingState loads the persisted grouping state of a stream. A stream
// that has never admitted a record gets a zero state.
func (tx *Tx) GroupingState(ctx context.Context, stream string) (prov.GroupingState, error) {
	st := prov.GroupingState{Stream: stream}
	var open sql.NullInt64
	err := tx.queryRow(ctx, `
		SELECT open_block_id, member_count, epoch_at_open, cursor_a, cursor_b
		FROM grouping_state WHERE stream = ?
	`, stream).Scan(&open, &st.MemberCount, &st.EpochAtOpen, &st.CursorA, &st.CursorB)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return prov.GroupingState{}, fmt.Errorf("load grouping state of %q: %w", stream, err)
	}
	if open.Valid {
		st.OpenBlock = prov.BlockID(open.Int64)
	}
	return st, nil
}

// SaveGroupingState upserts the grouping state of a stream.
func (tx *Tx) SaveGroupingState(ctx context.Context, st prov.GroupingState) error {
	var open any
	if st.HasOpenBlock() {
		open = int64(st.OpenBlock)
	}
	_, err := tx.exec(ctx, `
		INSERT INTO grouping_state (stream, open_block_id, member_count, epoch_at_open, cursor_a, cursor_b)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream) DO UPDATE SET
			open_block_id = excluded.open_block_id,
			member_count  = excluded.member_count,
			epoch_at_open = excluded.epoch_at_open,
			cursor_a      = excluded.cursor_a,
			cursor_b      = excluded.cursor_b
	`, st.Stream, open, st.MemberCount, st.EpochAtOpen, st.CursorA, st.CursorB)
	if err != nil {
		return fmt.Errorf("save grouping state of %q: %w", st.Stream, err)
	}
	return nil
}

// block loads one data block.
func (c conn) block(ctx context.Context, id prov.BlockID) (prov.DataBlock, error) {
	var (
		b        prov.DataBlock
		openedAt int64
		closedAt sql.NullInt64
	)
	err := c.queryRow(ctx, `
		SELECT block_id, stream, opened_at, closed_at, epoch_at_open, session
		FROM data_blocks WHERE block_id = ?
	`, id).Scan(&b.ID, &b.Stream, &openedAt, &closedAt, &b.EpochAtOpen, &b.Session)
	if errors.Is(err, sql.ErrNoRows) {
		return prov.DataBlock{}, fmt.Errorf("block %d not found", id)
	}
	if err != nil {
		return prov.DataBlock{}, fmt.Errorf("load block %d: %w", id, err)
	}
	b.OpenedAt = fromNanos(openedAt)
	b.ClosedAt = nullableTime(closedAt)
	return b, nil
}

// blocks lists every block of a stream in creation order.
func (c conn) blocks(ctx context.Context, stream string) ([]prov.DataBlock, error) {
	rows, err := c.query(ctx, `
		SELECT block_id, stream, opened_at, closed_at, epoch_at_open, session
		FROM data_blocks WHERE stream = ?
		ORDER BY block_id ASC
	`, stream)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	blocks := []prov.DataBlock{}
	for rows.Next() {
		var (
			b        prov.DataBlock
			openedAt int64
			closedAt sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.Stream, &openedAt, &closedAt, &b.EpochAtOpen, &b.Session); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.OpenedAt = fromNanos(openedAt)
		b.ClosedAt = nullableTime(closedAt)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

// blockMembers lists the record ids of a block in insertion order.
func (c conn) blockMembers(ctx context.Context, id prov.BlockID) ([]string, error) {
	rows, err := c.query(ctx, `
		SELECT record_id FROM block_members WHERE block_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query members of block %d: %w", id, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, rid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// Block loads a data block by id.
func (s *Store) Block(ctx context.Context, id prov.BlockID) (prov.DataBlock, error) {
	return s.conn().block(ctx, id)
}

// Blocks lists every block of a stream in creation order.
func (s *Store) Blocks(ctx context.Context, stream string) ([]prov.DataBlock, error) {
	return s.conn().blocks(ctx, stream)
}

// BlockMembers lists the record ids grouped into a block.
func (s *Store) BlockMembers(ctx context.Context, id prov.BlockID) ([]string, error) {
	return s.conn().blockMembers(ctx, id)
}
