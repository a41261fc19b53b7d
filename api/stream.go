package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const streamKeepAliveInterval = 25 * time.Second

// UpdateBroker fans document-change notifications out to connected stream
// subscribers, keyed by couple.
type UpdateBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewUpdateBroker() *UpdateBroker {
	return &UpdateBroker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *UpdateBroker) subscribe(coupleID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.subs[coupleID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[coupleID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *UpdateBroker) unsubscribe(coupleID string, ch chan struct{}) {
	b.mu.Lock()
	if set, ok := b.subs[coupleID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, coupleID)
		}
	}
	b.mu.Unlock()
}

// Notify wakes every subscriber of the couple. Notifications coalesce: a
// subscriber that has not drained its pending signal does not queue another.
func (b *UpdateBroker) Notify(coupleID string) {
	b.mu.Lock()
	for ch := range b.subs[coupleID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// streamDocument serves the SSE feed. Each event carries the full current
// document; clients adopt it wholesale. EventSource cannot set headers, so a
// token query parameter is accepted as a fallback for the Authorization
// header.
func streamDocument(store Storage, auth Authenticator, broker *UpdateBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		ctx := c.Request().Context()
		coupleID, ok := coupleOf(ctx, c, store, userID)
		if !ok {
			return nil
		}

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.Header().Set("X-Accel-Buffering", "no")
		resp.WriteHeader(http.StatusOK)

		flusher, canFlush := resp.Writer.(http.Flusher)

		writeSnapshot := func() error {
			doc, err := store.FetchDocument(ctx, coupleID)
			if err != nil {
				return err
			}
			payload, err := sonic.Marshal(doc)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
				return err
			}
			if canFlush {
				flusher.Flush()
			}
			return nil
		}

		if err := writeSnapshot(); err != nil {
			c.Logger().Error(err)
			return err
		}

		updates := broker.subscribe(coupleID)
		defer broker.unsubscribe(coupleID, updates)

		keepAlive := time.NewTicker(streamKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-updates:
				if err := writeSnapshot(); err != nil {
					c.Logger().Error(err)
					return nil
				}
			case <-keepAlive.C:
				if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
					return nil
				}
				if canFlush {
					flusher.Flush()
				}
			}
		}
	}
}

type updateMessage struct {
	CoupleID string `json:"coupleId"`
}

// SubscribeUpdates consumes the applier's change channel and relays each
// message to the broker. It reconnects on subscription failure and returns
// when the context is cancelled.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, broker *UpdateBroker) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rc.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("updates subscription failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		logger.Infof("subscribed to updates channel %s", channel)

		ch := pubsub.Channel()
		for msg := range ch {
			var update updateMessage
			if err := sonic.UnmarshalString(msg.Payload, &update); err != nil {
				logger.Warnf("discarding malformed update message: %v", err)
				continue
			}
			if update.CoupleID == "" {
				continue
			}
			broker.Notify(update.CoupleID)
		}
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("updates channel closed, resubscribing")
	}
}
