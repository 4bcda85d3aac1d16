package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLSagaRepository implements SagaRepository and OutboxRepository on
// PostgreSQL or SQLite. Every state change and its outbox rows are written in
// one transaction.
type SQLSagaRepository struct {
	db *sqlx.DB
}

func NewSQLSagaRepository(db *sqlx.DB) *SQLSagaRepository {
	return &SQLSagaRepository{db: db}
}

type sqlSaga struct {
	SagaID            string         `db:"saga_id"`
	OrderID           string         `db:"order_id"`
	Status            string         `db:"status"`
	InventoryDone     bool           `db:"inventory_done"`
	PaymentDone       bool           `db:"payment_done"`
	ShippingDone      bool           `db:"shipping_done"`
	InventoryReleased bool           `db:"inventory_released"`
	PaymentRefunded   bool           `db:"payment_refunded"`
	LastError         sql.NullString `db:"last_error"`
	Attempts          int            `db:"attempts"`
	Version           int64          `db:"version"`
	Request           string         `db:"request"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type sqlTransition struct {
	SagaID     string         `db:"saga_id"`
	FromStatus sql.NullString `db:"from_status"`
	ToStatus   string         `db:"to_status"`
	Step       string         `db:"step"`
	Reason     string         `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
}

type sqlOutboxMessage struct {
	ID            string         `db:"id"`
	SagaID        string         `db:"saga_id"`
	MessageKey    string         `db:"message_key"`
	Step          string         `db:"step"`
	Topic         string         `db:"topic"`
	EventType     string         `db:"event_type"`
	Payload       string         `db:"payload"`
	Status        string         `db:"status"`
	Revision      int64          `db:"revision"`
	Seq           int            `db:"seq"`
	Attempts      int            `db:"attempts"`
	LastError     sql.NullString `db:"last_error"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	CreatedAt     time.Time      `db:"created_at"`
	SentAt        sql.NullTime   `db:"sent_at"`
}

const sagaColumns = `saga_id, order_id, status, inventory_done, payment_done, shipping_done,
	inventory_released, payment_refunded, last_error, attempts, version, request,
	created_at, updated_at`

const outboxColumns = `id, saga_id, message_key, step, topic, event_type, payload, status,
	revision, seq, attempts, last_error, next_attempt_at, created_at, sent_at`

// Create inserts a new saga with its first transition and command
func (r *SQLSagaRepository) Create(ctx context.Context, instance *domain.SagaInstance, outcome *domain.Outcome) error {
	row, err := r.toSQL(instance)
	if err != nil {
		return err
	}
	row.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO sagas (` + sagaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query,
		row.SagaID, row.OrderID, row.Status,
		row.InventoryDone, row.PaymentDone, row.ShippingDone,
		row.InventoryReleased, row.PaymentRefunded,
		row.LastError, row.Attempts, row.Version, row.Request,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "saga %s / order %s", row.SagaID, row.OrderID)
		}
		return errors.Wrap(err, "failed to insert saga")
	}

	if err := r.writeOutcome(ctx, tx, outcome); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit saga creation")
	}

	instance.Version = row.Version
	return nil
}

// Load finds a saga by ID
func (r *SQLSagaRepository) Load(ctx context.Context, sagaID models.ID) (*domain.SagaInstance, error) {
	return r.getOne(ctx, r.db, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ?`, sagaID.String())
}

// FindByOrderID finds the saga of an order
func (r *SQLSagaRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.SagaInstance, error) {
	return r.getOne(ctx, r.db, `SELECT `+sagaColumns+` FROM sagas WHERE order_id = ?`, orderID.String())
}

// CompareAndSwap reads the saga inside a transaction, applies mutate and
// writes the result guarded by status and version.
func (r *SQLSagaRepository) CompareAndSwap(ctx context.Context, sagaID models.ID, expected saga.Status, mutate domain.Mutator) (*domain.SagaInstance, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	current, err := r.getOne(ctx, tx, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ?`+r.lockClause(), sagaID.String())
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, errors.Wrapf(domain.ErrConflict, "saga %s is %s, expected %s", sagaID, current.Status, expected)
	}

	next, outcome, err := mutate(*current)
	if err != nil {
		return nil, err
	}
	next.SagaID = current.SagaID
	next.Version = current.Version + 1

	row, err := r.toSQL(&next)
	if err != nil {
		return nil, err
	}

	query := tx.Rebind(`
		UPDATE sagas
		SET status = ?, inventory_done = ?, payment_done = ?, shipping_done = ?,
			inventory_released = ?, payment_refunded = ?, last_error = ?,
			attempts = ?, version = ?, updated_at = ?
		WHERE saga_id = ? AND status = ? AND version = ?`)

	result, err := tx.ExecContext(ctx, query,
		row.Status, row.InventoryDone, row.PaymentDone, row.ShippingDone,
		row.InventoryReleased, row.PaymentRefunded, row.LastError,
		row.Attempts, row.Version, row.UpdatedAt,
		row.SagaID, string(expected), current.Version,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update saga")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return nil, errors.Wrapf(domain.ErrConflict, "saga %s changed at version %d", sagaID, current.Version)
	}

	if err := r.writeOutcome(ctx, tx, outcome); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit saga update")
	}

	return &next, nil
}

// FindStalled lists sagas in status not updated since olderThan, oldest first
func (r *SQLSagaRepository) FindStalled(ctx context.Context, status saga.Status, olderThan time.Time, limit int) ([]*domain.SagaInstance, error) {
	query := r.db.Rebind(`
		SELECT ` + sagaColumns + `
		FROM sagas
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`)

	var rows []sqlSaga
	if err := r.db.SelectContext(ctx, &rows, query, string(status), olderThan.UTC(), limit); err != nil {
		return nil, errors.Wrap(err, "failed to find stalled sagas")
	}

	instances := make([]*domain.SagaInstance, len(rows))
	for i := range rows {
		instance, err := r.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		instances[i] = instance
	}
	return instances, nil
}

// History returns the transitions of a saga in the order they happened
func (r *SQLSagaRepository) History(ctx context.Context, sagaID models.ID) ([]domain.Transition, error) {
	query := r.db.Rebind(`
		SELECT saga_id, from_status, to_status, step, reason, created_at
		FROM saga_transitions
		WHERE saga_id = ?
		ORDER BY id ASC`)

	var rows []sqlTransition
	if err := r.db.SelectContext(ctx, &rows, query, sagaID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to load saga history")
	}

	history := make([]domain.Transition, len(rows))
	for i, row := range rows {
		history[i] = domain.Transition{
			SagaID: models.ID(row.SagaID),
			From:   saga.Status(row.FromStatus.String),
			To:     saga.Status(row.ToStatus),
			Step:   saga.Step(row.Step),
			Reason: row.Reason,
			At:     row.CreatedAt.UTC(),
		}
	}
	return history, nil
}

// FetchPending returns pending outbox messages due at now
func (r *SQLSagaRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	query := r.db.Rebind(`
		SELECT ` + outboxColumns + `
		FROM saga_outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC, seq ASC
		LIMIT ?`)

	var rows []sqlOutboxMessage
	if err := r.db.SelectContext(ctx, &rows, query, string(domain.OutboxStatusPending), now.UTC(), limit); err != nil {
		return nil, errors.Wrap(err, "failed to fetch pending outbox messages")
	}

	messages := make([]*domain.OutboxMessage, len(rows))
	for i := range rows {
		messages[i] = r.outboxToDomain(&rows[i])
	}
	return messages, nil
}

// MarkSent marks a message as sent unless it was re-armed since it was fetched
func (r *SQLSagaRepository) MarkSent(ctx context.Context, id models.ID, revision int64, sentAt time.Time) error {
	query := r.db.Rebind(`
		UPDATE saga_outbox
		SET status = ?, sent_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE id = ? AND revision = ?`)

	_, err := r.db.ExecContext(ctx, query, string(domain.OutboxStatusSent), sentAt.UTC(), id.String(), revision)
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox message as sent")
	}
	return nil
}

// MarkFailed records a failed publish and schedules the next attempt
func (r *SQLSagaRepository) MarkFailed(ctx context.Context, id models.ID, revision int64, reason string, nextAttemptAt time.Time) error {
	query := r.db.Rebind(`
		UPDATE saga_outbox
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND revision = ? AND status = ?`)

	_, err := r.db.ExecContext(ctx, query, reason, nextAttemptAt.UTC(), id.String(), revision, string(domain.OutboxStatusPending))
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox message as failed")
	}
	return nil
}

func (r *SQLSagaRepository) writeOutcome(ctx context.Context, tx *sqlx.Tx, outcome *domain.Outcome) error {
	if outcome == nil {
		return nil
	}

	insertTransition := tx.Rebind(`
		INSERT INTO saga_transitions (saga_id, from_status, to_status, step, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	for _, tr := range outcome.Transitions {
		from := sql.NullString{String: string(tr.From), Valid: tr.From != ""}
		if _, err := tx.ExecContext(ctx, insertTransition,
			tr.SagaID.String(), from, string(tr.To), string(tr.Step), tr.Reason, tr.At.UTC(),
		); err != nil {
			return errors.Wrap(err, "failed to insert saga transition")
		}
	}

	// the same key re-arms the existing row instead of duplicating the command
	upsertOutbox := tx.Rebind(`
		INSERT INTO saga_outbox (` + outboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 0, NULL, ?, ?, NULL)
		ON CONFLICT (message_key) DO UPDATE
		SET payload = excluded.payload,
			status = excluded.status,
			revision = saga_outbox.revision + 1,
			seq = excluded.seq,
			attempts = 0,
			last_error = NULL,
			next_attempt_at = excluded.next_attempt_at,
			sent_at = NULL`)

	for _, msg := range outcome.Commands {
		if _, err := tx.ExecContext(ctx, upsertOutbox,
			msg.ID.String(), msg.SagaID.String(), msg.Key, string(msg.Step),
			msg.Topic.String(), msg.EventType, string(msg.Payload),
			string(domain.OutboxStatusPending), msg.Position,
			msg.NextAttemptAt.UTC(), msg.CreatedAt.UTC(),
		); err != nil {
			return errors.Wrapf(err, "failed to write outbox message %s", msg.Key)
		}
	}

	return nil
}

func (r *SQLSagaRepository) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*domain.SagaInstance, error) {
	var row sqlSaga
	if err := sqlx.GetContext(ctx, q, &row, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load saga")
	}
	return r.toDomain(&row)
}

func (r *SQLSagaRepository) lockClause() string {
	if r.db.DriverName() == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (r *SQLSagaRepository) toSQL(instance *domain.SagaInstance) (*sqlSaga, error) {
	request, err := json.Marshal(instance.Request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga request")
	}

	return &sqlSaga{
		SagaID:            instance.SagaID.String(),
		OrderID:           instance.OrderID.String(),
		Status:            string(instance.Status),
		InventoryDone:     instance.InventoryDone,
		PaymentDone:       instance.PaymentDone,
		ShippingDone:      instance.ShippingDone,
		InventoryReleased: instance.InventoryReleased,
		PaymentRefunded:   instance.PaymentRefunded,
		LastError:         sql.NullString{String: instance.LastError, Valid: instance.LastError != ""},
		Attempts:          instance.Attempts,
		Version:           instance.Version,
		Request:           string(request),
		CreatedAt:         instance.Timestamps.CreatedAt.UTC(),
		UpdatedAt:         instance.Timestamps.UpdatedAt.UTC(),
	}, nil
}

func (r *SQLSagaRepository) toDomain(row *sqlSaga) (*domain.SagaInstance, error) {
	status, err := saga.ParseStatus(row.Status)
	if err != nil {
		return nil, errors.Wrapf(err, "saga %s", row.SagaID)
	}

	var request saga.StartRequested
	if err := json.Unmarshal([]byte(row.Request), &request); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal request of saga %s", row.SagaID)
	}

	return &domain.SagaInstance{
		SagaID:            models.ID(row.SagaID),
		OrderID:           models.ID(row.OrderID),
		Status:            status,
		InventoryDone:     row.InventoryDone,
		PaymentDone:       row.PaymentDone,
		ShippingDone:      row.ShippingDone,
		InventoryReleased: row.InventoryReleased,
		PaymentRefunded:   row.PaymentRefunded,
		LastError:         row.LastError.String,
		Attempts:          row.Attempts,
		Version:           row.Version,
		Request:           request,
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt.UTC(),
			UpdatedAt: row.UpdatedAt.UTC(),
		},
	}, nil
}

func (r *SQLSagaRepository) outboxToDomain(row *sqlOutboxMessage) *domain.OutboxMessage {
	msg := &domain.OutboxMessage{
		ID:            models.ID(row.ID),
		SagaID:        models.ID(row.SagaID),
		Key:           row.MessageKey,
		Step:          saga.Step(row.Step),
		Topic:         events.Topic(row.Topic),
		EventType:     row.EventType,
		Payload:       json.RawMessage(row.Payload),
		Status:        domain.OutboxStatus(row.Status),
		Revision:      row.Revision,
		Position:      row.Seq,
		Attempts:      row.Attempts,
		LastError:     row.LastError.String,
		NextAttemptAt: row.NextAttemptAt.UTC(),
		CreatedAt:     row.CreatedAt.UTC(),
	}
	if row.SentAt.Valid {
		sentAt := row.SentAt.Time.UTC()
		msg.SentAt = &sentAt
	}
	return msg
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}
