package mirror

import (
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is one normalized record mutation, produced by the live feed
// or by a backfill page and consumed by the store. Delete events carry no
// CID and no record body.
type ChangeEvent struct {
	DID        string
	Collection string
	RKey       string
	Operation  Operation
	CID        string
	Record     []byte
	TimeUS     int64
	IndexedUS  int64
}

// URI returns the at:// resource identifier that globally addresses the
// record this event mutates.
func (e ChangeEvent) URI() string {
	return "at://" + e.DID + "/" + e.Collection + "/" + e.RKey
}

// RKeyFromURI extracts the record key from an at:// URI.
func RKeyFromURI(uri string) string {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 {
		return uri
	}
	return uri[idx+1:]
}
