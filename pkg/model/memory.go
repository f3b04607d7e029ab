package model

import (
	"time"

	"github.com/google/uuid"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// Owner identifies a memory partition, usually an end user
type Owner string

// MemoryRecord is a persisted fact about an owner. ID is stable across updates.
type MemoryRecord struct {
	ID           MemoryID
	Owner        Owner
	Content      string
	EmbeddingRef string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Copy returns a deep copy so that stores never share mutable state with callers
func (x *MemoryRecord) Copy() *MemoryRecord {
	if x == nil {
		return nil
	}
	dup := *x
	if x.Metadata != nil {
		dup.Metadata = make(map[string]string, len(x.Metadata))
		for k, v := range x.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Candidate is a record returned by similarity search. Score is a cosine
// distance: lower is more similar, 0 means identical direction.
type Candidate struct {
	ID      MemoryID
	Owner   Owner
	Content string
	Score   float64
}
