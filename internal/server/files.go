package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hessamz/docuchat/models"
)

// handleListFiles maps each indexed title to its chunk ids.
func (s *Server) handleListFiles(c echo.Context) error {
	files, err := s.handler.ListFiles(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"files": files})
}

type deleteFilesRequest struct {
	FileNames []string `json:"filenames"`
}

// handleDeleteFiles removes documents from both the search back end and blob
// storage. Names are blob names within the document container.
func (s *Server) handleDeleteFiles(c echo.Context) error {
	var req deleteFilesRequest
	if err := c.Bind(&req); err != nil || len(req.FileNames) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "filenames must not be empty")
	}
	ctx := c.Request().Context()
	container := s.cfg.Storage.DocumentContainer

	deleted := make([]string, 0, len(req.FileNames))
	for _, name := range req.FileNames {
		source := models.MaskSourceURL(s.blobs.BlobURL(container, name))
		if err := s.pipeline.Delete(ctx, source); err != nil {
			return err
		}
		if err := s.blobs.Delete(ctx, container, name); err != nil {
			s.logger.Printf("delete blob %s: %v", name, err)
		}
		deleted = append(deleted, name)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// handleSpeechConfig exposes the speech recognizer languages to front ends.
func (s *Server) handleSpeechConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recognizer_languages": s.cfg.Speech.RecognizerLanguages,
	})
}
