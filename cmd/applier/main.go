package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pairlist/applier"
	"pairlist/domain"
	"pairlist/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("mutation applier starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	documentsTable := os.Getenv("DOCUMENTS_TABLE")
	couplesTable := os.Getenv("COUPLES_TABLE")
	mutationsQueue := os.Getenv("MUTATIONS_QUEUE")
	if connStr == "" || documentsTable == "" || couplesTable == "" || mutationsQueue == "" {
		log.Fatal("missing storage config")
	}
	base, err := storage.New(connStr, documentsTable, couplesTable, mutationsQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		redisOpts = &redis.Options{Addr: redisConn}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	// The cache wrapper makes every write evict the shared cache entry, so
	// readers behind the API pick up the new document.
	store := storage.NewCache(base, rc, cacheTTL)

	updatesChannel := os.Getenv("UPDATES_CHANNEL")
	if updatesChannel == "" {
		updatesChannel = "list-updates"
	}

	ctx := context.Background()
	for {
		msg, err := base.DequeueMutation(ctx)
		if err != nil {
			log.Errorf("dequeue: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			time.Sleep(time.Second)
			continue
		}

		var env domain.Envelope
		if err := sonic.UnmarshalString(*msg.MessageText, &env); err != nil {
			log.Warnf("discarding malformed envelope: %v", err)
			if err := base.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
				log.Errorf("delete message: %v", err)
			}
			continue
		}

		if err := applier.ProcessEnvelope(ctx, store, rc, updatesChannel, env); err != nil {
			// Leave the message queued; it reappears after the visibility
			// timeout and gets another attempt.
			log.Errorf("process envelope, couple: %s, mutation: %s, err: %v", env.CoupleID, env.Mutation.ID, err)
			continue
		}
		if err := base.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			log.Errorf("delete message: %v", err)
		}
	}
}
