package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

type apiError struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"error"`
}

type treeEntry struct {
	types.RemoteEntry
	SizeHuman string `json:"sizeHuman"`
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lib.ErrUnknownSignature):
		status = http.StatusNotFound
	case errors.Is(err, lib.ErrProtocol):
		status = http.StatusBadRequest
	}
	c.Abort()
	c.Error(err)
	c.PureJSON(status, apiError{Code: protocol.CodeFor(err), Message: err.Error()})
}

// HTTPHandler returns the read-only explorer API.
func (s *Server) HTTPHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(sloggin.NewWithConfig(s.logger.WithGroup("http"), sloggin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.BestSpeed, gzip.WithExcludedPathsRegexs([]string{`/content$`})))

	r.GET("/healthz", s.handleHealth)
	v1 := r.Group("/v1")
	{
		v1.GET("/tree", s.handleTree)
		v1.GET("/blobs/:signature", s.handleBlob)
		v1.GET("/blobs/:signature/content", s.handleBlobContent)
		v1.GET("/stats", s.handleStats)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  Version,
		"sessions": s.SessionCount(),
	})
}

func (s *Server) handleTree(c *gin.Context) {
	entries, err := s.repo.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]treeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, treeEntry{RemoteEntry: e, SizeHuman: humanize.Bytes(uint64(e.Size))})
	}
	c.PureJSON(http.StatusOK, gin.H{"entries": out})
}

func parseSignatureParam(c *gin.Context) (types.Signature, bool) {
	sig, err := types.ParseSignature(c.Param("signature"))
	if err != nil {
		abortWithError(c, errors.Join(lib.ErrProtocol, err))
		return "", false
	}
	return sig, true
}

func (s *Server) handleBlob(c *gin.Context) {
	sig, ok := parseSignatureParam(c)
	if !ok {
		return
	}
	entry, err := s.repo.Entry(c.Request.Context(), sig)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, gin.H{
		"blob":      entry,
		"sizeHuman": humanize.Bytes(uint64(entry.Size)),
	})
}

func (s *Server) handleBlobContent(c *gin.Context) {
	sig, ok := parseSignatureParam(c)
	if !ok {
		return
	}
	rc, size, err := s.repo.Open(c.Request.Context(), sig)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", rc, map[string]string{
		"ETag": `"` + string(sig) + `"`,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.repo.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, gin.H{
		"stats":             stats,
		"storedBytesHuman":  humanize.Bytes(uint64(stats.StoredBytes)),
		"logicalBytesHuman": humanize.Bytes(uint64(stats.LogicalBytes)),
	})
}
