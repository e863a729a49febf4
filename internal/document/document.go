// Package document holds the authoritative code text of a room.
//
// Concurrent edits are resolved last-write-wins in the order the room actor
// accepts them; there is no merge and no history.
package document

import "time"

type Document struct {
	code      string
	revision  uint64
	updatedBy string
	updatedAt time.Time
}

func New() *Document { return &Document{} }

// Apply overwrites the code unconditionally and returns the new revision.
func (d *Document) Apply(code, by string, at time.Time) uint64 {
	d.code = code
	d.updatedBy = by
	d.updatedAt = at
	d.revision++
	return d.revision
}

func (d *Document) Code() string { return d.code }

func (d *Document) Revision() uint64 { return d.revision }

func (d *Document) UpdatedBy() string { return d.updatedBy }

func (d *Document) UpdatedAt() time.Time { return d.updatedAt }
