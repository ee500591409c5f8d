package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// requestLogger logs each request with method, path, status and
// duration.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"remote", c.RealIP(),
				"duration", time.Since(start))
			return err
		}
	}
}

// maxInflight bounds concurrent requests; excess connections are
// rejected with 503 instead of queueing.
func maxInflight(n int) echo.MiddlewareFunc {
	sem := make(chan struct{}, n)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				return next(c)
			default:
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "server is at capacity",
				})
			}
		}
	}
}

// requestTimeout applies the per-request deadline through the request
// context, so every downstream I/O call observes it.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// basicAuth enforces registry credentials with constant-time
// comparison. Unauthenticated requests receive the Basic challenge
// alongside the distribution API version header.
func basicAuth(username, password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, pass, ok := c.Request().BasicAuth()
			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
			if !ok || !userMatch || !passMatch {
				c.Response().Header().Set("WWW-Authenticate", `Basic realm="Caravel Registry"`)
				c.Response().Header().Set("Docker-Distribution-API-Version", "registry/2.0")
				log.Warn("Unauthorized registry access attempt",
					"method", c.Request().Method,
					"path", c.Request().URL.Path,
					"remote", c.RealIP())
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"errors": []map[string]any{{
						"code":    "UNAUTHORIZED",
						"message": "authentication required",
					}},
				})
			}
			return next(c)
		}
	}
}
