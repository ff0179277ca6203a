package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

// RegisterEntity creates an entity and its first, open configuration
// version starting at `at`. Fails with prov.ErrDuplicateEntity if an
// entity of that kind and name already exists.
func (tx *Tx) RegisterEntity(ctx context.Context, kind prov.EntityKind, name string, payload prov.Payload, at time.Time) (prov.EntityID, error) {
	id, _, err := tx.registerEntity(ctx, kind, name, payload, at)
	return id, err
}

func (tx *Tx) registerEntity(ctx context.Context, kind prov.EntityKind, name string, payload prov.Payload, at time.Time) (prov.EntityID, int64, error) {
	if !kind.Valid() {
		return 0, 0, fmt.Errorf("register entity: invalid kind %q", kind)
	}
	if name == "" {
		return 0, 0, fmt.Errorf("register entity: %s name is required", kind)
	}

	// Lookup before insert so the caller gets a registry error rather than
	// a driver-specific constraint violation.
	if _, found, err := tx.lookupEntity(ctx, kind, name); err != nil {
		return 0, 0, fmt.Errorf("register entity: %w", err)
	} else if found {
		return 0, 0, prov.NewDuplicateEntity(kind, name)
	}

	var id prov.EntityID
	err := tx.queryRow(ctx, `
		INSERT INTO entities (kind, name) VALUES (?, ?)
		RETURNING entity_id
	`, string(kind), name).Scan(&id)
	if err != nil {
		return 0, 0, fmt.Errorf("register entity: insert: %w", err)
	}

	versionID, err := tx.insertVersion(ctx, id, payload, at)
	if err != nil {
		return 0, 0, fmt.Errorf("register entity: %w", err)
	}
	return id, versionID, nil
}

// RegisterTask registers a task entity together with its declared output columns.
func (tx *Tx) RegisterTask(ctx context.Context, spec prov.TaskSpec, at time.Time) (prov.EntityID, error) {
	id, err := tx.RegisterEntity(ctx, prov.KindTask, spec.Name, spec.Payload, at)
	if err != nil {
		return 0, err
	}
	for i, col := range spec.Columns {
		_, err := tx.exec(ctx, `
			INSERT INTO task_columns (entity_id, position, column_name) VALUES (?, ?, ?)
		`, id, i+1, col)
		if err != nil {
			return 0, fmt.Errorf("register task columns: %w", err)
		}
	}
	return id, nil
}

// RegisterNode registers a processing node; its hardware description
// becomes the node's first configuration.
func (tx *Tx) RegisterNode(ctx context.Context, spec prov.NodeSpec, at time.Time) (prov.EntityID, error) {
	return tx.RegisterEntity(ctx, prov.KindNode, spec.Name, spec.Payload(), at)
}

// RegisterPipeline registers a pipeline and attaches its ordered task list
// to the pipeline's first configuration. Tasks already registered (by name)
// are reused; unknown ones are registered from their spec.
func (tx *Tx) RegisterPipeline(ctx context.Context, name, notes string, tasks []prov.TaskSpec, at time.Time) (prov.EntityID, error) {
	payload := prov.Payload{Params: map[string]string{"notes": notes}}
	pipeID, versionID, err := tx.registerEntity(ctx, prov.KindPipeline, name, payload, at)
	if err != nil {
		return 0, err
	}

	for i, spec := range tasks {
		taskID, found, err := tx.lookupEntity(ctx, prov.KindTask, spec.Name)
		if err != nil {
			return 0, fmt.Errorf("register pipeline %q: %w", name, err)
		}
		if !found {
			taskID, err = tx.RegisterTask(ctx, spec, at)
			if err != nil {
				return 0, fmt.Errorf("register pipeline %q: %w", name, err)
			}
		}
		_, err = tx.exec(ctx, `
			INSERT INTO pipeline_tasks (config_version_id, position, task_id) VALUES (?, ?, ?)
		`, versionID, i+1, taskID)
		if err != nil {
			return 0, fmt.Errorf("register pipeline %q: attach task %q: %w", name, spec.Name, err)
		}
	}
	return pipeID, nil
}

// UpdateConfig closes the task's open version at `at`, opens a new one with
// payload, and mints a new processing-history epoch. The three writes are
// one logical operation; run it inside WithTx and never split it.
//
// Fails with prov.ErrUnknownEntity if no task of that name has an open
// version, and with prov.ErrNonMonotonicTime if `at` precedes the open
// version's start.
func (tx *Tx) UpdateConfig(ctx context.Context, taskName string, payload prov.Payload, at time.Time) (prov.ConfigVersion, prov.EpochID, error) {
	var (
		openID   int64
		entityID prov.EntityID
		begin    int64
	)
	err := tx.queryRow(ctx, `
		SELECT cv.config_version_id, cv.entity_id, cv.validity_begin
		FROM config_versions cv
		JOIN entities e ON e.entity_id = cv.entity_id
		WHERE e.kind = 'task' AND e.name = ? AND cv.validity_end IS NULL
	`, taskName).Scan(&openID, &entityID, &begin)
	if errors.Is(err, sql.ErrNoRows) {
		return prov.ConfigVersion{}, 0, prov.NewUnknownEntity(prov.KindTask, taskName)
	}
	if err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: find open version: %w", err)
	}

	if toNanos(at) < begin {
		return prov.ConfigVersion{}, 0, prov.NewNonMonotonicTime(taskName, formatTime(at), formatTime(fromNanos(begin)))
	}

	res, err := tx.exec(ctx, `
		UPDATE config_versions SET validity_end = ?
		WHERE config_version_id = ? AND validity_end IS NULL
	`, toNanos(at), openID)
	if err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: close version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: rows affected: %w", err)
	} else if n != 1 {
		// Another writer closed it between our read and update.
		return prov.ConfigVersion{}, 0, prov.NewTransactionAborted(fmt.Errorf("open version %d of %q already closed", openID, taskName))
	}

	newID, err := tx.insertVersion(ctx, entityID, payload, at)
	if err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: %w", err)
	}

	var epoch prov.EpochID
	err = tx.queryRow(ctx, `
		INSERT INTO proc_history (created_at, config_version_id) VALUES (?, ?)
		RETURNING epoch_id
	`, toNanos(at), newID).Scan(&epoch)
	if err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: mint epoch: %w", err)
	}

	v, err := tx.version(ctx, newID)
	if err != nil {
		return prov.ConfigVersion{}, 0, fmt.Errorf("update config: %w", err)
	}
	return v, epoch, nil
}

// insertVersion writes an open version and its parameters.
func (tx *Tx) insertVersion(ctx context.Context, entityID prov.EntityID, payload prov.Payload, at time.Time) (int64, error) {
	hash, err := payload.Hash()
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.queryRow(ctx, `
		INSERT INTO config_versions (entity_id, validity_begin, validity_end, revision, payload_hash)
		VALUES (?, ?, NULL, ?, ?)
		RETURNING config_version_id
	`, entityID, toNanos(at), payload.Revision, hash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}

	for k, v := range payload.Params {
		_, err := tx.exec(ctx, `
			INSERT INTO config_params (config_version_id, param_key, param_value) VALUES (?, ?, ?)
		`, id, k, v)
		if err != nil {
			return 0, fmt.Errorf("insert param %q: %w", k, err)
		}
	}
	return id, nil
}

// lookupEntity finds an entity id by kind and name.
func (c conn) lookupEntity(ctx context.Context, kind prov.EntityKind, name string) (prov.EntityID, bool, error) {
	var id prov.EntityID
	err := c.queryRow(ctx, `
		SELECT entity_id FROM entities WHERE kind = ? AND name = ?
	`, string(kind), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s %q: %w", kind, name, err)
	}
	return id, true, nil
}

// entity loads an entity by kind and name, including task columns.
func (c conn) entity(ctx context.Context, kind prov.EntityKind, name string) (prov.Entity, error) {
	id, found, err := c.lookupEntity(ctx, kind, name)
	if err != nil {
		return prov.Entity{}, err
	}
	if !found {
		return prov.Entity{}, prov.NewUnknownEntity(kind, name)
	}

	e := prov.Entity{ID: id, Kind: kind, Name: name}
	rows, err := c.query(ctx, `
		SELECT column_name FROM task_columns WHERE entity_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return prov.Entity{}, fmt.Errorf("query task columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return prov.Entity{}, fmt.Errorf("scan task column: %w", err)
		}
		e.Columns = append(e.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return prov.Entity{}, fmt.Errorf("iterate task columns: %w", err)
	}
	return e, nil
}

// currentEpoch returns the latest minted epoch, or prov.NoEpoch.
func (c conn) currentEpoch(ctx context.Context) (prov.EpochID, error) {
	var max sql.NullInt64
	if err := c.queryRow(ctx, `SELECT MAX(epoch_id) FROM proc_history`).Scan(&max); err != nil {
		return 0, fmt.Errorf("current epoch: %w", err)
	}
	if !max.Valid {
		return prov.NoEpoch, nil
	}
	return prov.EpochID(max.Int64), nil
}

// configAt returns the version of the entity whose interval covers `at`.
func (c conn) configAt(ctx context.Context, kind prov.EntityKind, name string, at time.Time) (prov.ConfigVersion, error) {
	id, found, err := c.lookupEntity(ctx, kind, name)
	if err != nil {
		return prov.ConfigVersion{}, err
	}
	if !found {
		return prov.ConfigVersion{}, prov.NewUnknownEntity(kind, name)
	}

	ts := toNanos(at)
	var versionID int64
	err = c.queryRow(ctx, `
		SELECT config_version_id FROM config_versions
		WHERE entity_id = ?
		  AND validity_begin <= ?
		  AND (validity_end IS NULL OR validity_end > ?)
		ORDER BY validity_begin DESC, config_version_id DESC
		LIMIT 1
	`, id, ts, ts).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return prov.ConfigVersion{}, prov.NewNoVersionAtTime(kind, name, formatTime(at))
	}
	if err != nil {
		return prov.ConfigVersion{}, fmt.Errorf("config at: %w", err)
	}
	return c.version(ctx, versionID)
}

// configHistory returns every version of an entity ordered by start time.
func (c conn) configHistory(ctx context.Context, kind prov.EntityKind, name string) ([]prov.ConfigVersion, error) {
	id, found, err := c.lookupEntity(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, prov.NewUnknownEntity(kind, name)
	}

	rows, err := c.query(ctx, `
		SELECT config_version_id FROM config_versions
		WHERE entity_id = ?
		ORDER BY validity_begin ASC, config_version_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var vid int64
		if err := rows.Scan(&vid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan version id: %w", err)
		}
		ids = append(ids, vid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	rows.Close()

	versions := make([]prov.ConfigVersion, 0, len(ids))
	for _, vid := range ids {
		v, err := c.version(ctx, vid)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// version loads one config version with its parameters.
func (c conn) version(ctx context.Context, id int64) (prov.ConfigVersion, error) {
	var (
		v     prov.ConfigVersion
		begin int64
		end   sql.NullInt64
	)
	err := c.queryRow(ctx, `
		SELECT config_version_id, entity_id, validity_begin, validity_end, revision, payload_hash
		FROM config_versions WHERE config_version_id = ?
	`, id).Scan(&v.ID, &v.EntityID, &begin, &end, &v.Payload.Revision, &v.PayloadHash)
	if err != nil {
		return prov.ConfigVersion{}, fmt.Errorf("load version %d: %w", id, err)
	}
	v.Begin = fromNanos(begin)
	v.End = nullableTime(end)

	rows, err := c.query(ctx, `
		SELECT param_key, param_value FROM config_params
		WHERE config_version_id = ?
		ORDER BY param_key ASC
	`, id)
	if err != nil {
		return prov.ConfigVersion{}, fmt.Errorf("query params of version %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, val string
		if err := rows.Scan(&k, &val); err != nil {
			return prov.ConfigVersion{}, fmt.Errorf("scan param: %w", err)
		}
		if v.Payload.Params == nil {
			v.Payload.Params = make(map[string]string)
		}
		v.Payload.Params[k] = val
	}
	if err := rows.Err(); err != nil {
		return prov.ConfigVersion{}, fmt.Errorf("iterate params: %w", err)
	}
	return v, nil
}

// pipelineTasks returns the ordered task names of the pipeline's open version.
func (c conn) pipelineTasks(ctx context.Context, pipeline string) ([]string, error) {
	if _, found, err := c.lookupEntity(ctx, prov.KindPipeline, pipeline); err != nil {
		return nil, err
	} else if !found {
		return nil, prov.NewUnknownEntity(prov.KindPipeline, pipeline)
	}

	rows, err := c.query(ctx, `
		SELECT t.name
		FROM entities p
		JOIN config_versions cv ON cv.entity_id = p.entity_id AND cv.validity_end IS NULL
		JOIN pipeline_tasks pt ON pt.config_version_id = cv.config_version_id
		JOIN entities t ON t.entity_id = pt.task_id
		WHERE p.kind = 'pipeline' AND p.name = ?
		ORDER BY pt.position ASC
	`, pipeline)
	if err != nil {
		return nil, fmt.Errorf("query pipeline tasks: %w", err)
	}
	defer rows.Close()

	tasks := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pipeline task: %w", err)
		}
		tasks = append(tasks, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline tasks: %w", err)
	}
	return tasks, nil
}

// nodeIDs returns every registered node id in registration order.
func (c conn) nodeIDs(ctx context.Context) ([]prov.EntityID, error) {
	rows, err := c.query(ctx, `
		SELECT entity_id FROM entities WHERE kind = 'node' ORDER BY entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	ids := []prov.EntityID{}
	for rows.Next() {
		var id prov.EntityID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return ids, nil
}

// CurrentEpoch returns the latest epoch as seen by this transaction.
func (tx *Tx) CurrentEpoch(ctx context.Context) (prov.EpochID, error) {
	return tx.currentEpoch(ctx)
}

// ConfigAt performs a point-in-time lookup inside the transaction.
func (tx *Tx) ConfigAt(ctx context.Context, kind prov.EntityKind, name string, at time.Time) (prov.ConfigVersion, error) {
	return tx.configAt(ctx, kind, name, at)
}

// CurrentEpoch returns the latest minted epoch, or prov.NoEpoch if no task
// configuration has ever changed.
func (s *Store) CurrentEpoch(ctx context.Context) (prov.EpochID, error) {
	return s.conn().currentEpoch(ctx)
}

// ConfigAt returns the version of the named entity valid at `at`
// (validity_begin <= at < validity_end). Fails with prov.ErrUnknownEntity for
// an unknown name and prov.ErrNoVersionAtTime if no interval covers `at`.
func (s *Store) ConfigAt(ctx context.Context, kind prov.EntityKind, name string, at time.Time) (prov.ConfigVersion, error) {
	return s.conn().configAt(ctx, kind, name, at)
}

// ConfigHistory returns every version of the named entity, oldest first.
func (s *Store) ConfigHistory(ctx context.Context, kind prov.EntityKind, name string) ([]prov.ConfigVersion, error) {
	return s.conn().configHistory(ctx, kind, name)
}

// Entity loads a registered entity by kind and name.
func (s *Store) Entity(ctx context.Context, kind prov.EntityKind, name string) (prov.Entity, error) {
	return s.conn().entity(ctx, kind, name)
}

// PipelineTasks returns the ordered task names of the pipeline's current version.
func (s *Store) PipelineTasks(ctx context.Context, pipeline string) ([]string, error) {
	return s.conn().pipelineTasks(ctx, pipeline)
}

// NodeIDs returns every registered node id in registration order.
func (s *Store) NodeIDs(ctx context.Context) ([]prov.EntityID, error) {
	return s.conn().nodeIDs(ctx)
}

// CountOpenVersions returns how many open versions the named entity has.
// The schema guarantees the answer is 0 or 1; exposed for invariant checks.
func (s *Store) CountOpenVersions(ctx context.Context, kind prov.EntityKind, name string) (int, error) {
	var n int
	err := s.conn().queryRow(ctx, `
		SELECT COUNT(*) FROM config_versions cv
		JOIN entities e ON e.entity_id = cv.entity_id
		WHERE e.kind = ? AND e.name = ? AND cv.validity_end IS NULL
	`, string(kind), name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open versions: %w", err)
	}
	return n, nil
}
