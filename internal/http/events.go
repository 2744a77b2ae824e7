package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/service/events"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type recordEventReq struct {
	AppID    string         `json:"app_id"`
	PartyID  string         `json:"party_id"`
	Type     string         `json:"type"`
	Priority string         `json:"priority"` // optional: urgent | high | low
	Data     map[string]any `json:"data"`
}

func recordEventHandler(rec EventRecorder) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req recordEventReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		ev := model.InstanceEvent{
			InstanceID: strings.TrimSpace(c.Param("id")),
			AppID:      strings.TrimSpace(req.AppID),
			PartyID:    strings.TrimSpace(req.PartyID),
			Type:       strings.TrimSpace(req.Type),
			Data:       req.Data,
		}
		if raw := strings.TrimSpace(req.Priority); raw != "" {
			p, ok := model.ParsePriority(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid priority"})
			}
			ev.Priority = p
		}

		msg, err := rec.Record(c.Request().Context(), ev)
		if err != nil {
			if errors.Is(err, events.ErrMissingInstance) || errors.Is(err, events.ErrMissingType) ||
				errors.Is(err, events.ErrInvalidPriority) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			log.Errorf("record event failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued":     true,
			"id":           msg.ID,
			"message_key":  msg.MessageKey,
			"message_type": msg.MessageType,
			"priority":     msg.Priority.String(),
		})
	}
}
