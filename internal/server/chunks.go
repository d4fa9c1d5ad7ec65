package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/syncerr"
)

// handleChunk serves one stored snapshot chunk. Bodies are immutable
// and content-addressed, so If-None-Match short-circuits to a 304.
func (s *Server) handleChunk(c echo.Context) error {
	pr := getPrincipal(c)

	chunk, err := s.engine.Chunk(c.Request().Context(), c.Param("chunkId"))
	if err != nil {
		return s.fail(c, err)
	}

	if !pr.Admin() && chunk.PartitionID != partitionOf(c, pr) {
		return s.fail(c, syncerr.Forbidden("chunk belongs to another partition"))
	}

	etag := `"sha256:` + chunk.SHA256 + `"`
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}

	h := c.Response().Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "private, immutable, max-age=900")
	h.Set("X-Sync-Chunk-Id", chunk.ChunkID)
	h.Set("X-Sync-Sha256", chunk.SHA256)
	h.Set("X-Sync-Encoding", chunk.Encoding)
	h.Set("X-Sync-Compression", chunk.Compression)
	if chunk.Compression == "gzip" {
		h.Set("Content-Encoding", "gzip")
	}

	return c.Blob(http.StatusOK, "application/x-ndjson", chunk.Body)
}
