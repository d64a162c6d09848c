package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/subscription"
)

var (
	sseData       = []byte("data: ")
	sseErrorEvent = []byte("event: error\ndata: ")
	sseEnd        = []byte("\n\n")
)

// streamTasks sends every page of a live subscription as a server-sent event. A page
// with fromServer false is provisional. A failed subscription ends the stream with an
// error event after its empty confirmed page.
func (h *handlers) streamTasks(c echo.Context) error {
	owner, err := h.Auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, domain.E(domain.CodeAuthRequired, "subscribe", err))
	}
	f, err := h.filterFromQuery(c)
	if err != nil {
		return writeError(c, err)
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	ctx := c.Request().Context()
	pages, sub, err := h.Subscriptions.Watch(ctx, owner, f)
	if err != nil {
		return writeError(c, err)
	}
	defer sub.Unsubscribe()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.Logger.WithFields(log.Fields{"owner": owner, "filter": f.Key()})
	for {
		select {
		case <-ctx.Done():
			return nil
		case page, ok := <-pages:
			if !ok {
				return nil
			}
			if page.Tasks == nil {
				page.Tasks = []domain.Task{}
			}
			if err := writeEvent(c, sseData, page); err != nil {
				logger.WithError(err).Debug("stream write failed")
				return nil
			}
			flusher.Flush()
			if sub.State() == subscription.StateClosedError {
				msg := domain.Classify("subscribe", sub.Err()).UserMessage()
				_ = writeEvent(c, sseErrorEvent, errorResponse{Error: msg})
				flusher.Flush()
				return nil
			}
		}
	}
}

func writeEvent(c echo.Context, prefix []byte, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write(sseEnd)
	return err
}
