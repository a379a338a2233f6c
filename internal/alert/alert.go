package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts alerts to a Slack webhook. A disabled manager, or one
// without a webhook, silently drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	nodeID       string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// WithNode tags every alert with the reporting node.
func (m *Manager) WithNode(nodeID string) *Manager {
	m.nodeID = nodeID
	return m
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

func (m *Manager) footer(section string) string {
	if m.nodeID == "" {
		return "Replisync " + section
	}
	return fmt.Sprintf("Replisync %s (%s)", section, m.nodeID)
}

func (m *Manager) SendFaultAlert(nodeID, faultType string, severity, reputation float64) error {
	if !m.active() {
		return nil
	}

	color := "warning"
	if severity >= 1.0 {
		color = "danger"
	}

	msg := slackMessage{
		Text: "⚠️ *BYZANTINE FAULT DETECTED*",
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: "Peer Fault",
				Fields: []slackField{
					{Title: "Node", Value: nodeID, Short: true},
					{Title: "Fault", Value: faultType, Short: true},
					{Title: "Severity", Value: fmt.Sprintf("%.2f", severity), Short: true},
					{Title: "Reputation", Value: fmt.Sprintf("%.3f", reputation), Short: true},
				},
				Footer: m.footer("Fault Detector"),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendStalledConsensusAlert(view uint64, proposalID string, pending int) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *CONSENSUS STALLED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Strong Operations Not Committing",
				Fields: []slackField{
					{Title: "View", Value: fmt.Sprintf("%d", view), Short: true},
					{Title: "Pending", Value: fmt.Sprintf("%d", pending), Short: true},
					{Title: "Proposal", Value: proposalID, Short: false},
				},
				Footer: m.footer("Consensus"),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendIntegrityAlert(expectedRoot, actualRoot string, operationCount int) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *LOG INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Merkle Root Mismatch",
				Fields: []slackField{
					{Title: "Operations", Value: fmt.Sprintf("%d", operationCount), Short: true},
					{Title: "Checkpoint Root", Value: expectedRoot, Short: false},
					{Title: "Current Root", Value: actualRoot, Short: false},
				},
				Footer: m.footer("Integrity Verifier"),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendTamperAlert(source, operationID, details string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *TAMPERING DETECTED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Operation Tampering",
				Fields: []slackField{
					{Title: "Source", Value: source, Short: true},
					{Title: "Operation", Value: operationID, Short: true},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: m.footer("Integrity Verifier"),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: m.footer("System Monitor"),
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
