package http

import (
	"net/http"

	"github.com/jmehdipour/outbox-relay/internal/repository"
	"github.com/labstack/echo/v4"
)

func statsHandler(admin repository.OutboxAdmin) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := admin.Stats(c.Request().Context())
		if err != nil {
			c.Logger().Errorf("outbox stats failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, st)
	}
}

func listFailedHandler(admin repository.OutboxAdmin) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)

		rows, err := admin.ListFailed(c.Request().Context(), limit, offset)
		if err != nil {
			c.Logger().Errorf("list failed messages: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

type requeueReq struct {
	IDs []int64 `json:"ids"`
}

func requeueHandler(admin repository.OutboxAdmin) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req requeueReq
		if err := c.Bind(&req); err != nil || len(req.IDs) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "ids required"})
		}
		if len(req.IDs) > 1000 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "too many ids"})
		}

		n, err := admin.Requeue(c.Request().Context(), req.IDs)
		if err != nil {
			c.Logger().Errorf("requeue failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{"requested": len(req.IDs), "requeued": n})
	}
}
