package domain

import "time"

// DocumentMeta describes a content document without its body.
type DocumentMeta struct {
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Date        time.Time `json:"date"`
}

// Document is a content document with its full text body.
type Document struct {
	DocumentMeta
	Body string `json:"body"`
}
