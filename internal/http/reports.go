package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/jmehdipour/outbox-relay/internal/repository"
	echo "github.com/labstack/echo/v4"
)

func listDeliveriesHandler(chRepo repository.DeliveryLogRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c)

		f := repository.DeliveryFilter{
			MessageType: strings.TrimSpace(c.QueryParam("message_type")),
			Limit:       limit,
			Offset:      offset,
		}
		if raw := strings.TrimSpace(c.QueryParam("outcome")); raw != "" {
			switch o := model.DeliveryOutcome(raw); o {
			case model.DeliverySent, model.DeliveryRetry, model.DeliveryFailed, model.DeliveryReleased:
				f.Outcome = o
			default:
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid outcome"})
			}
		}

		recs, err := chRepo.List(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(recs),
			"results": recs,
		})
	}
}
