// Package middleware holds the HTTP middleware shared by all routes.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/media-service/internal/api/respond"
	"github.com/aliskhannn/media-service/internal/model"
)

// Headers set by the trusted gateway in front of the service.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const requesterKey = "requester"

// Identity turns the gateway identity headers into a model.Requester.
// Requests without a user id proceed anonymously.
func Identity() func(c *ginext.Context) {
	return func(c *ginext.Context) {
		var r model.Requester

		if raw := strings.TrimSpace(c.GetHeader(HeaderUserID)); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				respond.Fail(c, http.StatusUnauthorized, fmt.Errorf("invalid %s header", HeaderUserID))
				c.Abort()
				return
			}

			r.UserID = id
			r.Role = strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
		}

		c.Set(requesterKey, r)
		c.Next()
	}
}

// RequesterFrom returns the requester stored by Identity.
func RequesterFrom(c *ginext.Context) model.Requester {
	if v, ok := c.Get(requesterKey); ok {
		if r, ok := v.(model.Requester); ok {
			return r
		}
	}

	return model.Requester{}
}
