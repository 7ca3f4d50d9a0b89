package feed

import "fmt"

// ParseError is returned when a document cannot be read as an RSS, RDF or
// Atom feed at all. It is fatal for the whole document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse feed: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError marks a single item that lacks a required field. Items
// failing validation are skipped; the error never leaves the parser.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("item has no %s", e.Field) }
