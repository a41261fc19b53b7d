package api

import (
	"context"

	"pairlist/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchDocument(ctx context.Context, coupleID string) (domain.Document, error)
	CoupleForUser(ctx context.Context, userID string) (string, error)
	CreateCouple(ctx context.Context, ownerID string) (string, error)
	JoinCouple(ctx context.Context, coupleID, userID string) error
	ListMembers(ctx context.Context, coupleID string) ([]string, error)
	EnqueueMutations(ctx context.Context, coupleID, userID string, muts []domain.Mutation) error
}

// NoCoupleError marks errors meaning the caller has not created or joined a
// couple yet.
type NoCoupleError interface {
	error
	NoCouple()
}

// CoupleNotFoundError marks errors meaning the requested couple id does not
// exist.
type CoupleNotFoundError interface {
	error
	CoupleNotFound()
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// AddMany records a batch of keys, reporting per key whether it was new.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
