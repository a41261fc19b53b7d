package storage

import "pairlist/domain"

// DefaultDocument is what a couple starts from: two empty default categories
// and no items.
func DefaultDocument() domain.Document {
	doc := domain.Document{}
	doc, _ = doc.AddCategory("Books")
	doc, _ = doc.AddCategory("Places")
	return doc
}
