// Package audit provides PDR (Process Decision Record) writing for shardrun.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/shardrun/internal/models"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer. A nil sink makes Record a no-op.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating decision.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, subject, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	inputsHash := hashInputs(inputs)
	return w.sink.WritePDR(action, inputsHash, outcome, subject, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
