package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/verify"
)

const maxBackoff = 30 * time.Second

// Manager owns the replication stream and fans change events out to its
// handlers. Changes flagged as tampering are alerted and skipped so the
// stream keeps moving.
type Manager struct {
	config       *ReplicationConfig
	client       *ReplicationClient
	handlers     []EventHandler
	mu           sync.RWMutex
	currentLSN   pglogrepl.LSN
	running      bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	alertManager *alert.Manager
	logger       *slog.Logger
}

func NewManager(config *ReplicationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		handlers: make([]EventHandler, 0),
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) SetAlertManager(am *alert.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertManager = am
}

func (m *Manager) alerts() *alert.Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alertManager
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	m.client = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.client == nil {
		return fmt.Errorf("manager not initialized")
	}

	if err := m.client.StartReplication(ctx, m.currentLSN); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.running = false
	m.mu.Unlock()

	if !running {
		if m.client != nil {
			return m.client.Close(ctx)
		}
		return nil
	}

	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	errorCount := 0

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.client.ReceiveMessage(ctx)
		if err == nil {
			if errorCount > 0 {
				m.logger.Info("Replication stream recovered", "lsn", m.client.ConfirmedLSN())
			}
			errorCount = 0
			m.SetLSN(m.client.ConfirmedLSN())
			continue
		}
		if ctx.Err() != nil {
			return
		}

		errorCount++
		backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		m.logger.Error("Error receiving replication message", "error", err, "retry_in", backoff)

		if errorCount == 1 {
			if aerr := m.alerts().SendSystemAlert(
				"Replication Connection Lost",
				fmt.Sprintf("Failed to receive replication message: %v. Retrying in %v...", err, backoff),
				"danger",
			); aerr != nil {
				m.logger.Error("Failed to send replication alert", "error", aerr)
			}
		}

		select {
		case <-time.After(backoff):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if !m.client.Connected() {
			if err := m.reconnect(ctx); err != nil {
				m.logger.Error("Failed to reconnect replication stream", "error", err)
			}
		}
	}
}

// reconnect resumes streaming from the last confirmed position.
func (m *Manager) reconnect(ctx context.Context) error {
	m.client.Close(ctx)
	if err := m.client.Connect(ctx); err != nil {
		return err
	}
	return m.client.StartReplication(ctx, m.GetLSN())
}

func (m *Manager) HandleChange(ctx context.Context, event *ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		err := handler.HandleChange(ctx, event)
		if err == nil {
			continue
		}
		if te := verify.AsTamperingError(err); te != nil {
			m.logger.Error("Forbidden change captured",
				"table", event.TableName,
				"operation", event.Operation,
				"key", event.KeyString(),
				"lsn", pglogrepl.LSN(event.LSN),
			)
			if aerr := m.alerts().SendTamperAlert(te.Source, te.OperationID, te.Message); aerr != nil {
				m.logger.Error("Failed to send tamper alert", "error", aerr)
			}
			continue
		}
		return fmt.Errorf("handler failed: %w", err)
	}

	return nil
}

func (m *Manager) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		if _, err = conn.Exec(ctx, publicationSQL(m.config.PublicationName, m.config.Tables)); err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info("Created publication", "publication", m.config.PublicationName, "tables", m.config.Tables)
	}

	return nil
}

func publicationSQL(name string, tables []string) string {
	stmt := "CREATE PUBLICATION " + pgx.Identifier{name}.Sanitize()
	if len(tables) == 0 {
		return stmt + " FOR ALL TABLES"
	}

	quoted := make([]string, len(tables))
	for i, table := range tables {
		quoted[i] = pgx.Identifier(strings.Split(table, ".")).Sanitize()
	}
	return stmt + " FOR TABLE " + strings.Join(quoted, ", ")
}

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}
