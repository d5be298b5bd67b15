package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protocol"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
)

const (
	contentTypeHistorySegment = "application/vnd.taskchampion.history-segment"
	contentTypeSnapshot       = "application/vnd.taskchampion.snapshot"

	// HeaderVersionID carries a new or existing version id in responses.
	HeaderVersionID = "X-Version-Id"
	// HeaderParentVersionID carries a parent version id in responses.
	HeaderParentVersionID = "X-Parent-Version-Id"
	// HeaderSnapshotRequest advertises the snapshot urgency computed by
	// AddVersion, present only when urgency is Low or High (spec §6).
	HeaderSnapshotRequest = "X-Snapshot-Request"

	bannerText = "taskchampion-sync-server\n"
)

type handlers struct {
	engine *protocol.Engine
	log    zerolog.Logger
}

func (h *handlers) banner(c *gin.Context) {
	c.String(http.StatusOK, bannerText)
}

// addVersion implements POST /v1/client/add-version/:parentVersionId.
func (h *handlers) addVersion(c *gin.Context) {
	clientID := clientIDFrom(c)

	parentVersionID, err := uuid.Parse(c.Param("parentVersionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed parent version id"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	result, urgency, err := h.engine.AddVersion(c.Request.Context(), clientID, parentVersionID, body)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	if result.ExpectedParent {
		c.Header(HeaderParentVersionID, result.ExpectedVersionID.String())
		c.JSON(http.StatusConflict, gin.H{"error": "parent version mismatch"})
		return
	}

	c.Header(HeaderVersionID, result.NewVersionID.String())
	if urgency != protocol.UrgencyNone {
		c.Header(HeaderSnapshotRequest, "urgency="+urgency.String())
	}
	c.Status(http.StatusOK)
}

// addSnapshot implements POST /v1/client/add-snapshot/:versionId.
func (h *handlers) addSnapshot(c *gin.Context) {
	clientID := clientIDFrom(c)

	versionID, err := uuid.Parse(c.Param("versionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed version id"})
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	// Acceptance is silent by protocol design (spec §4.2 "AddSnapshot"):
	// an accepted and a rejected snapshot both answer 200. The failures
	// visible here are the transport checks above and engine errors
	// (no such client, storage failure) mapped by writeEngineError.
	if err := h.engine.AddSnapshot(c.Request.Context(), clientID, versionID, data); err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// getChildVersion implements GET /v1/client/get-child-version/:parentVersionId.
func (h *handlers) getChildVersion(c *gin.Context) {
	clientID := clientIDFrom(c)

	parentVersionID, err := uuid.Parse(c.Param("parentVersionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed parent version id"})
		return
	}

	result, err := h.engine.GetChildVersion(c.Request.Context(), clientID, parentVersionID)
	if err != nil {
		if errors.Is(err, protoerr.ErrNoSuchClient) {
			// NoSuchClient is indistinguishable from NotFound by design
			// (spec §6 error mappings).
			c.Status(http.StatusNotFound)
			return
		}
		h.writeEngineError(c, err)
		return
	}

	switch {
	case result.Found:
		c.Header("Content-Type", contentTypeHistorySegment)
		c.Header(HeaderVersionID, result.VersionID.String())
		c.Header(HeaderParentVersionID, result.ParentVersionID.String())
		c.Data(http.StatusOK, contentTypeHistorySegment, result.HistorySegment)
	case result.Gone:
		c.Status(http.StatusGone)
	default:
		c.Status(http.StatusNotFound)
	}
}

// getSnapshot implements GET /v1/client/snapshot.
func (h *handlers) getSnapshot(c *gin.Context) {
	clientID := clientIDFrom(c)

	result, err := h.engine.GetSnapshot(c.Request.Context(), clientID)
	if err != nil {
		if errors.Is(err, protoerr.ErrNoSuchClient) {
			c.Status(http.StatusNotFound)
			return
		}
		h.writeEngineError(c, err)
		return
	}
	if !result.Found {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Content-Type", contentTypeSnapshot)
	c.Header(HeaderVersionID, result.VersionID.String())
	c.Data(http.StatusOK, contentTypeSnapshot, result.Data)
}

// writeEngineError maps the two-level taxonomy of spec §7 onto HTTP
// status codes: ErrNoSuchClient is the one case callers branch on,
// everything else is an opaque 500.
func (h *handlers) writeEngineError(c *gin.Context, err error) {
	if errors.Is(err, protoerr.ErrNoSuchClient) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such client"})
		return
	}
	h.log.Error().Err(err).Msg("storage error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
