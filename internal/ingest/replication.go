package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	OutputPlugin = "pgoutput"

	receiveTimeout         = 10 * time.Second
	standbyMessageInterval = 10 * time.Second
)

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	SlotName        string
	PublicationName string
	Tables          []string
}

func (c *ReplicationConfig) connString(replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
	if c.SSLMode != "" {
		s += " sslmode=" + c.SSLMode
	}
	if replication {
		s += " replication=database"
	}
	return s
}

// ReplicationClient streams pgoutput changes from one slot. It is driven by a
// single goroutine and is not safe for concurrent use.
type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	handler   EventHandler
	logger    *slog.Logger

	xid        uint32
	commitTime time.Time
	// confirmed is the WAL position up to which every change was handled.
	confirmed   pglogrepl.LSN
	nextStandby time.Time
	now         func() time.Time
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *slog.Logger) *ReplicationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
		handler:   handler,
		logger:    logger,
		now:       time.Now,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString(true))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) Connected() bool {
	return rc.conn != nil && !rc.conn.IsClosed()
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (rc *ReplicationClient) DropSlot(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.DropReplicationSlot(ctx, rc.conn, rc.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("failed to drop replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	rc.confirmed = startLSN
	rc.nextStandby = rc.now().Add(standbyMessageInterval)
	rc.logger.Info("Logical replication started", "slot", rc.config.SlotName, "lsn", startLSN)
	return nil
}

// ConfirmedLSN is the position the server may discard WAL up to.
func (rc *ReplicationClient) ConfirmedLSN() pglogrepl.LSN {
	return rc.confirmed
}

func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	if !rc.now().Before(rc.nextStandby) {
		if err := rc.SendStandbyStatusUpdate(ctx, rc.confirmed); err != nil {
			return err
		}
	}

	recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error from server: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(ctx, data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(ctx, rc.confirmed)
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	end := xld.WALStart + pglogrepl.LSN(len(xld.WALData))
	if err := rc.processWALData(ctx, xld.WALData, end); err != nil {
		return err
	}
	if end > rc.confirmed {
		rc.confirmed = end
	}
	return nil
}

func (rc *ReplicationClient) processWALData(ctx context.Context, walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		rc.xid = msg.Xid
		rc.commitTime = msg.CommitTime

	case *pglogrepl.CommitMessage:
		rc.xid = 0
		rc.commitTime = time.Time{}

	case *pglogrepl.InsertMessage:
		return rc.handleInsert(ctx, msg, lsn)

	case *pglogrepl.UpdateMessage:
		return rc.handleUpdate(ctx, msg, lsn)

	case *pglogrepl.DeleteMessage:
		return rc.handleDelete(ctx, msg, lsn)
	}

	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status); err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}

	rc.nextStandby = rc.now().Add(standbyMessageInterval)
	return nil
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

func (rc *ReplicationClient) newEvent(rel *pglogrepl.RelationMessage, op OperationType, lsn pglogrepl.LSN) *ChangeEvent {
	ts := rc.commitTime
	if ts.IsZero() {
		ts = rc.now()
	}
	return &ChangeEvent{
		TableName:     rel.RelationName,
		Schema:        rel.Namespace,
		Operation:     op,
		Timestamp:     ts.UTC(),
		TransactionID: rc.xid,
		LSN:           uint64(lsn),
	}
}

func (rc *ReplicationClient) dispatch(ctx context.Context, event *ChangeEvent) error {
	if rc.handler != nil {
		return rc.handler.HandleChange(ctx, event)
	}
	return nil
}

func (rc *ReplicationClient) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := rc.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func (rc *ReplicationClient) handleInsert(ctx context.Context, msg *pglogrepl.InsertMessage, lsn pglogrepl.LSN) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	values, err := rc.tupleToMap(rel, msg.Tuple)
	if err != nil {
		return err
	}

	event := rc.newEvent(rel, OperationInsert, lsn)
	event.NewData = values
	event.PrimaryKey = rc.extractPrimaryKey(rel, values)
	return rc.dispatch(ctx, event)
}

func (rc *ReplicationClient) handleUpdate(ctx context.Context, msg *pglogrepl.UpdateMessage, lsn pglogrepl.LSN) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	newValues, err := rc.tupleToMap(rel, msg.NewTuple)
	if err != nil {
		return err
	}
	var oldValues map[string]any
	if msg.OldTuple != nil {
		if oldValues, err = rc.tupleToMap(rel, msg.OldTuple); err != nil {
			return err
		}
	}

	event := rc.newEvent(rel, OperationUpdate, lsn)
	event.NewData = newValues
	event.OldData = oldValues
	event.PrimaryKey = rc.extractPrimaryKey(rel, newValues)
	return rc.dispatch(ctx, event)
}

func (rc *ReplicationClient) handleDelete(ctx context.Context, msg *pglogrepl.DeleteMessage, lsn pglogrepl.LSN) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	var values map[string]any
	if msg.OldTuple != nil {
		if values, err = rc.tupleToMap(rel, msg.OldTuple); err != nil {
			return err
		}
	}

	event := rc.newEvent(rel, OperationDelete, lsn)
	event.OldData = values
	event.PrimaryKey = rc.extractPrimaryKey(rel, values)
	return rc.dispatch(ctx, event)
}

// tupleToMap decodes column values with the registered pgtype codecs.
// Unchanged TOAST values are omitted.
func (rc *ReplicationClient) tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]any, error) {
	values := make(map[string]any)
	if tuple == nil {
		return values, nil
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple for %s has %d columns, relation has %d", rel.RelationName, len(tuple.Columns), len(rel.Columns))
		}
		relCol := rel.Columns[i]

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[relCol.Name] = nil
		case pglogrepl.TupleDataTypeText:
			v, err := rc.decodeColumn(col.Data, relCol.DataType, pgtype.TextFormatCode)
			if err != nil {
				return nil, fmt.Errorf("failed to decode column %s.%s: %w", rel.RelationName, relCol.Name, err)
			}
			values[relCol.Name] = v
		case pglogrepl.TupleDataTypeBinary:
			v, err := rc.decodeColumn(col.Data, relCol.DataType, pgtype.BinaryFormatCode)
			if err != nil {
				return nil, fmt.Errorf("failed to decode column %s.%s: %w", rel.RelationName, relCol.Name, err)
			}
			values[relCol.Name] = v
		}
	}

	return values, nil
}

func (rc *ReplicationClient) decodeColumn(data []byte, dataType uint32, format int16) (any, error) {
	if dt, ok := rc.typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(rc.typeMap, dataType, format, data)
	}
	if format == pgtype.TextFormatCode {
		return string(data), nil
	}
	return data, nil
}

func (rc *ReplicationClient) extractPrimaryKey(rel *pglogrepl.RelationMessage, values map[string]any) map[string]any {
	pk := make(map[string]any)

	for _, col := range rel.Columns {
		if col.Flags == 1 {
			if val, ok := values[col.Name]; ok {
				pk[col.Name] = val
			}
		}
	}

	return pk
}
