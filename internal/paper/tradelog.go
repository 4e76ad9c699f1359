package paper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// logEntry is one JSONL record in the trade log.
type logEntry struct {
	Type  string    `json:"type"` // "order" or "fill"
	Data  any       `json:"data"`
	Event time.Time `json:"event"`
}

type loggedOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type loggedFill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	SlippageBps float64   `json:"slippage_bps"`
	Fee         float64   `json:"fee"`
	Timestamp   time.Time `json:"timestamp"`
}

// TradeLog is an append-only JSONL journal of orders and fills with an
// idempotency window, so a crashed-and-replayed cycle does not double
// an order.
type TradeLog struct {
	path         string
	dedupeWindow time.Duration
}

func NewTradeLog(path string, dedupeWindowSecs int) (*TradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &TradeLog{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (t *TradeLog) writeOrder(o loggedOrder) error {
	return t.appendEntry(logEntry{Type: "order", Data: o, Event: time.Now().UTC()})
}

func (t *TradeLog) writeFill(f loggedFill) error {
	return t.appendEntry(logEntry{Type: "fill", Data: f, Event: time.Now().UTC()})
}

func (t *TradeLog) appendEntry(entry logEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentOrder reports whether an order with the same idempotency key
// was journaled within the dedupe window.
func (t *TradeLog) HasRecentOrder(idempotencyKey string) (bool, error) {
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		return false, nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return false, err
	}

	cutoff := time.Now().UTC().Add(-t.dedupeWindow)
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Type != "order" || entry.Event.Before(cutoff) {
			continue
		}
		raw, err := json.Marshal(entry.Data)
		if err != nil {
			continue
		}
		var o loggedOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			continue
		}
		if o.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
