package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pairlist/domain"
)

type documentStore interface {
	FetchDocument(ctx context.Context, coupleID string) (domain.Document, error)
	PutDocument(ctx context.Context, coupleID string, doc domain.Document) error
	ListMembers(ctx context.Context, coupleID string) ([]string, error)
}

// ProcessEnvelope runs one queued mutation against the couple's document.
// The write is a plain last-writer-wins upsert: whatever version this applier
// read is what gets mutated and stored, concurrent writers included.
//
// A nil error means the message is done and may be deleted: applied, a no-op,
// or rejected by a domain rule. Only storage failures return an error, so the
// message stays queued and is retried on redelivery.
func ProcessEnvelope(ctx context.Context, store documentStore, rc *redis.Client, channel string, env domain.Envelope) error {
	members, err := store.ListMembers(ctx, env.CoupleID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	actor := domain.Actor{ID: env.UserID}
	for _, m := range members {
		if m != env.UserID {
			actor.PartnerID = m
			break
		}
	}

	doc, err := store.FetchDocument(ctx, env.CoupleID)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}

	next, changed, err := domain.Apply(doc, env.Mutation, actor)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOp) || errors.Is(err, domain.ErrBadPayload) ||
			errors.Is(err, domain.ErrEmptyTitle) || errors.Is(err, domain.ErrEmptyComment) {
			log.Warnf("dropping rejected mutation, type: %s, id: %s, couple: %s, err: %v", env.Mutation.Type, env.Mutation.ID, env.CoupleID, err)
			return nil
		}
		return fmt.Errorf("apply mutation: %w", err)
	}
	if !changed {
		return nil
	}

	if err := store.PutDocument(ctx, env.CoupleID, next); err != nil {
		return fmt.Errorf("put document: %w", err)
	}

	payload := fmt.Sprintf(`{"coupleId":%q}`, env.CoupleID)
	if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
		log.Errorf("unable to publish update for couple %s to %s: %v", env.CoupleID, channel, err)
	}
	return nil
}
