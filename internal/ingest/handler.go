package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/verify"
)

// Appender turns a payload into a local operation.
type Appender interface {
	Append(ctx context.Context, payload []byte, strong bool) (oplog.Operation, error)
}

type TableConfig struct {
	Name string
	// Strong changes go through consensus before they are applied.
	Strong bool
	// AppendOnly tables reject updates and deletes as tampering.
	AppendOnly bool
}

// OplogHandler appends every captured change of a configured table to the
// operation log.
type OplogHandler struct {
	appender Appender
	tables   map[string]TableConfig
	logger   *slog.Logger
}

func NewOplogHandler(appender Appender, tables []TableConfig, logger *slog.Logger) *OplogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]TableConfig, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	return &OplogHandler{
		appender: appender,
		tables:   byName,
		logger:   logger,
	}
}

func (h *OplogHandler) table(event *ChangeEvent) (TableConfig, bool) {
	if event.Schema != "" {
		if cfg, ok := h.tables[event.Schema+"."+event.TableName]; ok {
			return cfg, true
		}
	}
	cfg, ok := h.tables[event.TableName]
	return cfg, ok
}

func (h *OplogHandler) HandleChange(ctx context.Context, event *ChangeEvent) error {
	cfg, ok := h.table(event)
	if !ok {
		return nil
	}

	if cfg.AppendOnly && event.Operation != OperationInsert {
		return verify.NewTamperingError(
			"table "+cfg.Name,
			event.KeyString(),
			fmt.Sprintf("%s on append-only table", event.Operation),
		)
	}

	payload, err := event.Encode()
	if err != nil {
		return err
	}

	op, err := h.appender.Append(ctx, payload, cfg.Strong)
	if err != nil {
		return fmt.Errorf("failed to append change from %s: %w", event.TableName, err)
	}

	h.logger.Debug("Captured change",
		"table", event.TableName,
		"operation", event.Operation,
		"op", op.Key(),
		"strong", cfg.Strong,
	)
	return nil
}
