package rete

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FactID uniquely identifies a Fact within a FactStore.
type FactID uint64

var factIDSeq uint64

// nextFactID hands out monotonically increasing, process-unique ids.
func nextFactID() FactID {
	return FactID(atomic.AddUint64(&factIDSeq, 1))
}

// Fact is an immutable observation: a typed attribute map plus identity
// and timestamp metadata. "Modifying" a fact never mutates it in
// place — actions that change field values always produce a new Fact.
type Fact struct {
	ID         FactID
	ExternalID string
	Timestamp  time.Time
	Data       map[string]Value
}

// NewFact builds a fact with a freshly assigned id, a generated
// ExternalID, and the current timestamp.
func NewFact(data map[string]Value) *Fact {
	return &Fact{
		ID:         nextFactID(),
		ExternalID: uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Data:       cloneFields(data),
	}
}

// NewFactWithID builds a fact with a caller-supplied id and data. The
// store keeps that id: Insert replaces any fact already stored under it,
// and Add rejects it as a duplicate.
func NewFactWithID(id FactID, data map[string]Value) *Fact {
	return &Fact{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Data:      cloneFields(data),
	}
}

func cloneFields(data map[string]Value) map[string]Value {
	cp := make(map[string]Value, len(data))
	for k, v := range data {
		cp[k] = v.Clone()
	}
	return cp
}

// Field returns the named field, or Null with ok=false if absent.
func (f *Fact) Field(name string) (Value, bool) {
	v, ok := f.Data[name]
	return v, ok
}

// Clone returns a deep copy of the fact.
func (f *Fact) Clone() *Fact {
	return &Fact{
		ID:         f.ID,
		ExternalID: f.ExternalID,
		Timestamp:  f.Timestamp,
		Data:       cloneFields(f.Data),
	}
}

// WithField returns a new fact with name set to value; all other fields
// and the id are carried over. Used by SetField/IncrementField/Formula
// actions, which derive rather than mutate.
func (f *Fact) WithField(name string, value Value) *Fact {
	nf := f.Clone()
	nf.Data[name] = value
	return nf
}

func (f *Fact) String() string {
	return fmt.Sprintf("Fact{id=%d, external_id=%s, fields=%d}", f.ID, f.ExternalID, len(f.Data))
}
