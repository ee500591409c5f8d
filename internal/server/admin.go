package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/storage"
)

// registerAdmin mounts the management-plane contract under /api/v1.
func (s *Server) registerAdmin(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.GET("/cache/stats", s.handleStats)
	g.GET("/cache/entries", s.handleListEntries)
	g.DELETE("/cache/entries/:digest", s.handleDeleteEntry)
	g.POST("/cache/cleanup", s.handleCleanup)
	g.POST("/cache/clear", s.handleClear)
	g.GET("/upstreams/health", s.handleUpstreamHealth)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.cache.Stats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// entryView is the wire form of a cache entry.
type entryView struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"`
	Scope          string    `json:"scope,omitempty"`
	Repository     string    `json:"repository,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	Digest         string    `json:"digest"`
	MediaType      string    `json:"media_type"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

type entryListResponse struct {
	Entries []entryView `json:"entries"`
	Total   int64       `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

func (s *Server) handleListEntries(c echo.Context) error {
	filter := db.ListFilter{
		Kind:       db.Kind(c.QueryParam("kind")),
		Repository: c.QueryParam("repository"),
		Digest:     c.QueryParam("digest"),
		SortBy:     c.QueryParam("sort"),
		Desc:       c.QueryParam("order") == "desc",
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filter.Offset = n
	}

	entries, total, err := s.cache.Index().ListEntries(filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:             e.ID,
			Kind:           string(e.Kind),
			Scope:          e.Scope,
			Repository:     e.Repository,
			Reference:      e.Reference,
			Digest:         e.Digest,
			MediaType:      e.MediaType,
			Size:           e.Size,
			CreatedAt:      e.CreatedAt,
			LastAccessedAt: e.LastAccessedAt,
			AccessCount:    e.AccessCount,
		})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return c.JSON(http.StatusOK, entryListResponse{
		Entries: views,
		Total:   total,
		Limit:   limit,
		Offset:  filter.Offset,
	})
}

func (s *Server) handleDeleteEntry(c echo.Context) error {
	dgst, err := storage.ValidateDigest(c.Param("digest"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid digest")
	}

	removed, err := s.cache.DeleteByDigest(c.Request().Context(), dgst.String())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if removed == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no entries for digest")
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCleanup(c echo.Context) error {
	expired, sized, err := s.cache.RunMaintenance(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{
		"expired_evicted": expired,
		"size_evicted":    sized,
	})
}

func (s *Server) handleClear(c echo.Context) error {
	cleared, err := s.cache.Clear(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"cleared": cleared})
}

func (s *Server) handleUpstreamHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.upstreams.HealthSnapshot())
}
