// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"fmt"
	"log/slog"
)

// RecordRef locates a record inside a Store: Type selects the per-type
// sequence and Index the position within it.
type RecordRef struct {
	Type  RecordType
	Index int
}

// Store retains every framed record for the duration of a run.
//
// Records are kept per type, and three receipt-order reference lists are
// maintained alongside: all records, data records and control records.
// Nothing is ever removed, so references and indices stay valid.
//
// A Store is not safe for concurrent use. The pipeline only touches it from
// its analyze loop.
type Store struct {
	byType  map[RecordType][]*Record
	all     []RecordRef
	data    []RecordRef
	control []RecordRef
	logger  *slog.Logger
}

// NewStore creates an empty record store
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byType: make(map[RecordType][]*Record),
		logger: logger,
	}
}

// Append stores a record and returns its reference
func (s *Store) Append(r *Record) RecordRef {
	ref := RecordRef{Type: r.Type(), Index: len(s.byType[r.Type()])}
	s.byType[ref.Type] = append(s.byType[ref.Type], r)

	s.all = append(s.all, ref)
	if r.IsData() {
		s.data = append(s.data, ref)
	} else {
		s.control = append(s.control, ref)
	}

	// A NACK means the dongle refused the last command
	if ref.Type == RecordNACK {
		s.logger.Warn("command rejected by dongle",
			"record", fmt.Sprintf("% X", r.Bytes()),
			"index", ref.Index)
	}

	return ref
}

// AppendAll stores a batch of records in order
func (s *Store) AppendAll(records []*Record) {
	for _, r := range records {
		s.Append(r)
	}
}

// Get returns the record at index within the sequence of type t
func (s *Store) Get(t RecordType, index int) (*Record, bool) {
	records := s.byType[t]
	if index < 0 || index >= len(records) {
		return nil, false
	}
	return records[index], true
}

// Resolve returns the record a reference points to
func (s *Store) Resolve(ref RecordRef) (*Record, bool) {
	return s.Get(ref.Type, ref.Index)
}

// Latest returns the most recent record of type t
func (s *Store) Latest(t RecordType) (*Record, bool) {
	records := s.byType[t]
	if len(records) == 0 {
		return nil, false
	}
	return records[len(records)-1], true
}

// Count returns the number of records of type t
func (s *Store) Count(t RecordType) int {
	return len(s.byType[t])
}

// All returns the n'th record received
func (s *Store) All(n int) (*Record, bool) {
	return s.resolveAt(s.all, n)
}

// Data returns the n'th data record received
func (s *Store) Data(n int) (*Record, bool) {
	return s.resolveAt(s.data, n)
}

// Control returns the n'th control record received
func (s *Store) Control(n int) (*Record, bool) {
	return s.resolveAt(s.control, n)
}

// Len returns the total number of records
func (s *Store) Len() int {
	return len(s.all)
}

// DataLen returns the number of data records
func (s *Store) DataLen() int {
	return len(s.data)
}

// ControlLen returns the number of control records
func (s *Store) ControlLen() int {
	return len(s.control)
}

func (s *Store) resolveAt(refs []RecordRef, n int) (*Record, bool) {
	if n < 0 || n >= len(refs) {
		return nil, false
	}
	return s.Resolve(refs[n])
}
