package storage

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"pairlist/domain"
)

type noCoupleError struct{}

func (noCoupleError) Error() string { return "user does not belong to a couple" }
func (noCoupleError) NoCouple()     {}

type coupleNotFoundError struct{}

func (coupleNotFoundError) Error() string   { return "couple not found" }
func (coupleNotFoundError) CoupleNotFound() {}

var (
	// ErrNoCouple is returned when the user has not created or joined a
	// couple yet. It satisfies api.NoCoupleError.
	ErrNoCouple error = noCoupleError{}
	// ErrCoupleNotFound is returned when joining a couple id that does not
	// exist. It satisfies api.CoupleNotFoundError.
	ErrCoupleNotFound error = coupleNotFoundError{}
)

const (
	documentRowKey = "doc"
	coupleIndexRow = "couple"

	defaultQueueConcurrency = 10
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

func queueConcurrencyForCPU(cpu int) int {
	if cpu <= 0 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Storage provides access to the shared-list persistence: one table entity
// per couple holding the full JSON document, a membership table, and the
// queue carrying accepted mutation envelopes.
type Storage struct {
	documentTable    *aztables.Client
	coupleTable      *aztables.Client
	mutationQueue    queueClient
	queueConcurrency int
}

// New creates a Storage from the given connection string.
func New(connStr, documentsTable, couplesTable, mutationQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, mutationQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		documentTable:    svc.NewClient(documentsTable),
		coupleTable:      svc.NewClient(couplesTable),
		mutationQueue:    mq,
		queueConcurrency: queueConcurrencyForCPU(runtime.NumCPU()),
	}, nil
}

type documentEntity struct {
	aztables.Entity
	Doc string `json:"Doc"`
}

func decodeDocumentEntity(data []byte) (domain.Document, error) {
	var ent documentEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Document{}, err
	}
	var doc domain.Document
	if err := json.Unmarshal([]byte(ent.Doc), &doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// FetchDocument returns the couple's document, seeding the default one on
// first access.
func (s *Storage) FetchDocument(ctx context.Context, coupleID string) (domain.Document, error) {
	ent, err := s.documentTable.GetEntity(ctx, coupleID, documentRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			doc := DefaultDocument()
			if err := s.PutDocument(ctx, coupleID, doc); err != nil {
				return domain.Document{}, err
			}
			return doc, nil
		}
		return domain.Document{}, err
	}
	return decodeDocumentEntity(ent.Value)
}

// PutDocument overwrites the couple's document unconditionally. There is no
// ETag check: concurrent writers race and the later write wins in full.
func (s *Storage) PutDocument(ctx context.Context, coupleID string, doc domain.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(documentEntity{
		Entity: aztables.Entity{PartitionKey: coupleID, RowKey: documentRowKey},
		Doc:    string(raw),
	})
	if err != nil {
		return err
	}
	_, err = s.documentTable.UpsertEntity(ctx, payload, nil)
	return err
}

type coupleIndexEntity struct {
	aztables.Entity
	CoupleID string `json:"CoupleId"`
}

// CoupleForUser resolves the couple the user belongs to.
func (s *Storage) CoupleForUser(ctx context.Context, userID string) (string, error) {
	ent, err := s.coupleTable.GetEntity(ctx, userID, coupleIndexRow, nil)
	if err != nil {
		if isNotFound(err) {
			return "", ErrNoCouple
		}
		return "", err
	}
	var idx coupleIndexEntity
	if err := json.Unmarshal(ent.Value, &idx); err != nil {
		return "", err
	}
	return idx.CoupleID, nil
}

// CreateCouple starts a new couple owned by the given user and returns its id.
func (s *Storage) CreateCouple(ctx context.Context, ownerID string) (string, error) {
	coupleID := uuid.NewString()
	if err := s.addMember(ctx, coupleID, ownerID); err != nil {
		return "", err
	}
	return coupleID, nil
}

// JoinCouple adds the user to an existing couple. Unknown couple ids fail
// with ErrCoupleNotFound and change nothing. Membership cardinality is not
// enforced here; the expected shape is two members.
func (s *Storage) JoinCouple(ctx context.Context, coupleID, userID string) error {
	// Couple ids are server-generated UUIDs; anything else cannot exist.
	// This also keeps caller-supplied ids out of the table query below.
	if _, err := uuid.Parse(coupleID); err != nil {
		return ErrCoupleNotFound
	}
	members, err := s.ListMembers(ctx, coupleID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return ErrCoupleNotFound
	}
	return s.addMember(ctx, coupleID, userID)
}

func (s *Storage) addMember(ctx context.Context, coupleID, userID string) error {
	member, err := json.Marshal(aztables.Entity{PartitionKey: coupleID, RowKey: userID})
	if err != nil {
		return err
	}
	if _, err := s.coupleTable.UpsertEntity(ctx, member, nil); err != nil {
		return err
	}
	index, err := json.Marshal(coupleIndexEntity{
		Entity:   aztables.Entity{PartitionKey: userID, RowKey: coupleIndexRow},
		CoupleID: coupleID,
	})
	if err != nil {
		return err
	}
	_, err = s.coupleTable.UpsertEntity(ctx, index, nil)
	return err
}

// odataQuote wraps a value as an OData string literal, doubling embedded
// quotes so the value can never terminate the literal early.
func odataQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// ListMembers returns the user ids belonging to a couple.
func (s *Storage) ListMembers(ctx context.Context, coupleID string) ([]string, error) {
	filter := "PartitionKey eq " + odataQuote(coupleID)
	pager := s.coupleTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent aztables.Entity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			members = append(members, ent.RowKey)
		}
	}
	return members, nil
}

// EnqueueMutations sends one envelope per mutation to the mutation queue,
// fanning out over a bounded number of concurrent sends.
func (s *Storage) EnqueueMutations(ctx context.Context, coupleID, userID string, muts []domain.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	concurrency := s.queueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(muts) {
		concurrency = len(muts)
	}

	sem := make(chan struct{}, concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, m := range muts {
		env := domain.Envelope{CoupleID: coupleID, UserID: userID, Mutation: m}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(payload string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.mutationQueue.EnqueueMessage(ctx, payload, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}
	wg.Wait()
	return firstErr
}

// DequeueMutation retrieves a single envelope message, or nil when the queue
// is empty.
func (s *Storage) DequeueMutation(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.mutationQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteMessage removes a processed message from the queue.
func (s *Storage) DeleteMessage(ctx context.Context, id, receipt string) error {
	_, err := s.mutationQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
