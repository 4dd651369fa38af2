package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hessamz/docuchat/internal/output"
	"github.com/hessamz/docuchat/models"
)

type conversationRequest struct {
	ConversationID string               `json:"conversation_id"`
	Messages       []models.ChatMessage `json:"messages"`
}

type conversationChoice struct {
	Messages []output.Message `json:"messages"`
}

type conversationResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Created int64                `json:"created"`
	Object  string               `json:"object"`
	Choices []conversationChoice `json:"choices"`
}

func (s *Server) handleConversation(c echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages must not be empty")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	ctx := c.Request().Context()
	if s.cfg.Server.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.TurnTimeout)
		defer cancel()
	}

	msgs, err := s.orch.HandleTurn(ctx, models.ChatTurn{
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
	})
	if err != nil {
		return err
	}

	active, err := s.store.GetActiveOrDefault(ctx)
	if err != nil {
		return err
	}
	if active.EnableStreaming {
		return s.streamConversation(c, msgs)
	}

	return c.JSON(http.StatusOK, conversationResponse{
		ID:      uuid.NewString(),
		Model:   s.chatModel,
		Created: time.Now().Unix(),
		Object:  "extensions.chat.completion",
		Choices: []conversationChoice{{Messages: msgs}},
	})
}

// streamConversation emits one JSON line per message, flushed as written, so
// front ends can render the tool message (citations) before the answer.
func (s *Server) streamConversation(c echo.Context, msgs []output.Message) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/json-lines")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	id := uuid.NewString()
	created := time.Now().Unix()
	for _, msg := range msgs {
		chunk := conversationResponse{
			ID:      id,
			Model:   s.chatModel,
			Created: created,
			Object:  "extensions.chat.completion.chunk",
			Choices: []conversationChoice{{Messages: []output.Message{msg}}},
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
		resp.Flush()
	}
	return nil
}
