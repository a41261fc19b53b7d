package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

var gzipReaderPool = sync.Pool{New: func() any { return new(gzip.Reader) }}

// GzipRequestMiddleware transparently decompresses gzip-encoded request
// bodies so handlers always read plain JSON. A body that claims gzip encoding
// but does not parse as gzip is rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !claimsGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			gr := gzipReaderPool.Get().(*gzip.Reader)
			if err := gr.Reset(req.Body); err != nil {
				gzipReaderPool.Put(gr)
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			raw := req.Body
			req.Body = &pooledGzipBody{gr: gr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func claimsGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type pooledGzipBody struct {
	gr   *gzip.Reader
	raw  io.ReadCloser
	done sync.Once
}

func (b *pooledGzipBody) Read(p []byte) (int, error) {
	return b.gr.Read(p)
}

func (b *pooledGzipBody) Close() error {
	var err error
	b.done.Do(func() {
		err = b.gr.Close()
		gzipReaderPool.Put(b.gr)
		if cerr := b.raw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
