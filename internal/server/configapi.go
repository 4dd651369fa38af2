package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// handleGetConfig returns the active runtime configuration.
func (s *Server) handleGetConfig(c echo.Context) error {
	active, err := s.store.GetActiveOrDefault(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, active)
}

// handleSaveConfig validates and persists a new runtime configuration.
func (s *Server) handleSaveConfig(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if err := s.store.SaveActive(c.Request().Context(), raw); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}
