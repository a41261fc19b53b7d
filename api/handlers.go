package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pairlist/domain"
)

// postMutationsMaxSize bounds a mutation batch body. A whole-document replace
// for a large list still fits comfortably.
const postMutationsMaxSize = 1 << 20

type mutationsResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys"`
}

type coupleResponse struct {
	CoupleID string `json:"coupleId"`
}

type membersResponse struct {
	Members []string `json:"members"`
}

type viewResponse struct {
	Items []domain.ItemView `json:"items"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, broker *UpdateBroker, logger *log.Logger) {
	e.GET("/api/list", getDocument(store, auth, logger))
	e.GET("/api/list/view", getVisibleItems(store, auth))
	e.POST("/api/mutations", postMutations(store, auth, deduper))
	e.POST("/api/couples", createCouple(store, auth))
	e.POST("/api/couples/join", joinCouple(store, auth))
	e.GET("/api/couples/members", listMembers(store, auth))
	e.GET("/api/stream", streamDocument(store, auth, broker))
	e.GET("/healthz", healthz())

	initMutationSender(store, deduper, logger)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// coupleOf resolves the caller's couple, translating the no-couple case into
// a 404 so clients know to create or join one first.
func coupleOf(ctx context.Context, c echo.Context, store Storage, userID string) (string, bool) {
	coupleID, err := store.CoupleForUser(ctx, userID)
	if err != nil {
		var noCouple NoCoupleError
		if errors.As(err, &noCouple) {
			_ = c.String(http.StatusNotFound, noCouple.Error())
			return "", false
		}
		c.Logger().Error(err)
		_ = c.String(http.StatusInternalServerError, err.Error())
		return "", false
	}
	return coupleID, true
}

func getDocument(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newDocumentRequestMetrics(ctx, logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		coupleID, ok := coupleOf(ctx, c, store, userID)
		if !ok {
			metrics.SetErrorStage("membership")
			return nil
		}

		fetchStart := time.Now()
		doc, fetchErr := store.FetchDocument(ctx, coupleID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetItemsReturned(len(doc.Items))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, doc)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// parseFilter understands all, uncategorized, secret and category:<id>.
func parseFilter(raw, viewerID string) (domain.Filter, error) {
	switch {
	case raw == "" || raw == "all":
		return domain.All(), nil
	case raw == "uncategorized":
		return domain.Uncategorized(), nil
	case raw == "secret":
		return domain.SecretOnly(viewerID), nil
	case strings.HasPrefix(raw, "category:"):
		id := strings.TrimPrefix(raw, "category:")
		if id == "" {
			return domain.Filter{}, errors.New("missing category id")
		}
		return domain.ByCategory(id), nil
	default:
		return domain.Filter{}, errors.New("unknown filter")
	}
}

func getVisibleItems(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filter, err := parseFilter(c.QueryParam("filter"), userID)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		coupleID, ok := coupleOf(ctx, c, store, userID)
		if !ok {
			return nil
		}
		doc, err := store.FetchDocument(ctx, coupleID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		items := []domain.ItemView{}
		for v := range domain.Visible(doc, filter, userID) {
			items = append(items, v)
		}
		return c.JSON(http.StatusOK, viewResponse{Items: items})
	}
}

func postMutations(store Storage, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		coupleID, ok := coupleOf(ctx, c, store, userID)
		if !ok {
			return nil
		}

		lr := io.LimitReader(c.Request().Body, postMutationsMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		muts := make([]domain.Mutation, 0, 4)
		if err := dec.Decode(&muts); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(muts) == 0 {
			return c.String(http.StatusBadRequest, "empty mutation batch")
		}
		for i := range muts {
			if muts[i].Type == "" {
				return c.String(http.StatusBadRequest, "mutation type required")
			}
		}

		keys := finalizeMutations(muts)

		fresh := muts
		added := keys
		if deduper != nil {
			results, dedupeErr := deduper.AddMany(ctx, userID, keys)
			if dedupeErr != nil {
				c.Logger().Warnf("dedupe unavailable, forwarding batch as-is: %v", dedupeErr)
			} else {
				// Fresh slices: keys is echoed back in the response and must
				// keep every submitted key in order.
				fresh = make([]domain.Mutation, 0, len(muts))
				added = make([]string, 0, len(keys))
				for i, newKey := range results {
					if newKey {
						fresh = append(fresh, muts[i])
						added = append(added, keys[i])
					}
				}
			}
		}

		if len(fresh) == 0 {
			return c.JSON(http.StatusAccepted, mutationsResponse{IdempotencyKeys: keys})
		}

		job := enqueueJob{
			coupleID: coupleID,
			userID:   userID,
			muts:     fresh,
			added:    added,
		}

		if tryEnqueueJob(job) {
			return c.JSON(http.StatusAccepted, mutationsResponse{IdempotencyKeys: keys})
		}

		if globalLog != nil {
			globalLog.Warn("enqueue buffer saturated; processing inline")
		}

		enqueueCtx, cancel := context.WithTimeout(bg, enqueueTimeout)
		enqueueErr := store.EnqueueMutations(enqueueCtx, coupleID, userID, job.muts)
		cancel()

		if enqueueErr != nil {
			if deduper != nil {
				for _, k := range job.added {
					if rerr := deduper.Remove(bg, userID, k); rerr != nil {
						c.Logger().Errorf("dedupe rollback failed: %v, key: %s", rerr, k)
					}
				}
			}
			c.Logger().Errorf("enqueue inline failed: %v", enqueueErr)
			return c.String(http.StatusInternalServerError, "failed to enqueue mutations")
		}

		return c.JSON(http.StatusAccepted, mutationsResponse{IdempotencyKeys: keys})
	}
}

func createCouple(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		if existing, err := store.CoupleForUser(ctx, userID); err == nil {
			return c.JSON(http.StatusConflict, coupleResponse{CoupleID: existing})
		} else {
			var noCouple NoCoupleError
			if !errors.As(err, &noCouple) {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, err.Error())
			}
		}

		coupleID, err := store.CreateCouple(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, coupleResponse{CoupleID: coupleID})
	}
}

type joinRequest struct {
	CoupleID string `json:"coupleId"`
}

func joinCouple(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req joinRequest
		if err := c.Bind(&req); err != nil || strings.TrimSpace(req.CoupleID) == "" {
			return c.String(http.StatusBadRequest, "coupleId required")
		}

		if existing, err := store.CoupleForUser(ctx, userID); err == nil {
			return c.JSON(http.StatusConflict, coupleResponse{CoupleID: existing})
		} else {
			var noCouple NoCoupleError
			if !errors.As(err, &noCouple) {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, err.Error())
			}
		}

		if err := store.JoinCouple(ctx, req.CoupleID, userID); err != nil {
			var notFound CoupleNotFoundError
			if errors.As(err, &notFound) {
				return c.String(http.StatusNotFound, notFound.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, coupleResponse{CoupleID: req.CoupleID})
	}
}

func listMembers(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		coupleID, ok := coupleOf(ctx, c, store, userID)
		if !ok {
			return nil
		}
		members, err := store.ListMembers(ctx, coupleID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, membersResponse{Members: members})
	}
}
