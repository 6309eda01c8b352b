package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/serializer"
)

const serializerKey = "candle.serializer"

// ContentNegotiation resolves the response format once per request and
// stashes the serializer on the context. The _format query parameter
// wins over the Accept header; both JSON and XML are served. Unknown
// formats are rejected with 406.
func ContentNegotiation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			opts := serializer.Options{Pretty: isTrue(c.QueryParam("_pretty"))}

			if format := c.QueryParam("_format"); format != "" {
				sz, ok := serializer.ForFormat(format, opts)
				if !ok {
					return c.JSON(http.StatusNotAcceptable, Outcome("error", "not-acceptable", "unsupported _format value: "+format))
				}
				c.Set(serializerKey, sz)
				return next(c)
			}

			if accept := c.Request().Header.Get("Accept"); accept != "" {
				sz, ok := negotiateAccept(accept, opts)
				if !ok {
					return c.JSON(http.StatusNotAcceptable, Outcome("error", "not-acceptable", "Accept header names no supported FHIR content type"))
				}
				c.Set(serializerKey, sz)
				return next(c)
			}

			c.Set(serializerKey, serializer.Default(opts))
			return next(c)
		}
	}
}

// negotiateAccept scans the Accept list in order and returns the first
// supported media type. A wildcard falls back to JSON.
func negotiateAccept(accept string, opts serializer.Options) (serializer.Serializer, bool) {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mediaType == "*/*" {
			return serializer.Default(opts), true
		}
		if sz, ok := serializer.ForFormat(mediaType, opts); ok {
			return sz, true
		}
	}
	return nil, false
}

// responseSerializer returns the serializer picked during negotiation,
// defaulting to JSON when the middleware did not run (tests, internal
// routes).
func responseSerializer(c echo.Context) serializer.Serializer {
	if sz, ok := c.Get(serializerKey).(serializer.Serializer); ok {
		return sz
	}
	return serializer.Default(serializer.Options{})
}

// requestSerializer picks the decoder for a request body from its
// Content-Type, independent of the response format.
func requestSerializer(c echo.Context) serializer.Serializer {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if sz, ok := serializer.ForFormat(ct, serializer.Options{}); ok {
		return sz
	}
	return serializer.Default(serializer.Options{})
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}
