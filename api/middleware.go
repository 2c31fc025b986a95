package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// maxInflatedBody caps a decompressed request body. Every accepted body is a
// create request, so the handler limit applies here too.
const maxInflatedBody = createTaskMaxSize

// DecompressRequest inflates gzip request bodies before they reach a handler.
// Invalid gzip is rejected with 400 and bodies that inflate past
// maxInflatedBody with 413.
func DecompressRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isGzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			defer req.Body.Close()

			inflated, status := inflate(req.Body)
			if status != 0 {
				return echo.NewHTTPError(status, http.StatusText(status))
			}
			req.Body = io.NopCloser(bytes.NewReader(inflated))
			req.ContentLength = int64(len(inflated))
			req.Header.Del(echo.HeaderContentEncoding)
			return next(c)
		}
	}
}

// inflate reads the whole gzip stream. A non-zero status reports why it was
// refused.
func inflate(body io.Reader) ([]byte, int) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, http.StatusBadRequest
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, maxInflatedBody+1))
	if err != nil {
		return nil, http.StatusBadRequest
	}
	if len(data) > maxInflatedBody {
		return nil, http.StatusRequestEntityTooLarge
	}
	return data, 0
}

func isGzipEncoded(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}
