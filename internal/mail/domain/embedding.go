package domain

import (
	"encoding/json"
	"time"
)

// Embedding is the stored vector representation of one email's text.
// ContentHash records the hash of the text the vector was computed from;
// a mismatch with the email's current hash marks the vector stale.
type Embedding struct {
	EmailID     string    `json:"email_id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"index;not null"`
	ContentHash string    `json:"content_hash"`
	Dimension   int       `json:"dimension"`
	Vector      []byte    `json:"-"` // JSON-encoded []float32
	UpdatedAt   time.Time `json:"updated_at"`
}

// SetVector stores the vector payload and its dimension.
func (e *Embedding) SetVector(v []float32) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Vector = data
	e.Dimension = len(v)
	return nil
}

// VectorData decodes the stored vector payload.
func (e *Embedding) VectorData() ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(e.Vector, &v); err != nil {
		return nil, err
	}
	return v, nil
}
