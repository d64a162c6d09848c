package api

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-sync/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error code to the HTTP status returned to clients.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeAuthRequired:
		return http.StatusUnauthorized
	case domain.CodeNotOwner:
		return http.StatusForbidden
	case domain.CodeInvalidData:
		return http.StatusBadRequest
	case domain.CodeNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes the user message of err. Internal causes never reach the client.
func writeError(c echo.Context, err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.E(domain.CodeUnknown, "", err)
	}
	return c.JSON(statusFor(de.Code), errorResponse{Error: de.UserMessage()})
}

// httpError renders errors raised by echo itself, such as unknown routes.
func (h *handlers) httpError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			msg = s
		}
		if err := c.JSON(he.Code, errorResponse{Error: msg}); err != nil {
			h.Logger.WithError(err).Error("failed to write error response")
		}
		return
	}
	h.Logger.WithError(err).WithField("route", c.Path()).Error("unhandled request error")
	if err := writeError(c, err); err != nil {
		h.Logger.WithError(err).Error("failed to write error response")
	}
}

// sonicSerializer is the echo JSON serializer backed by sonic.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body").SetInternal(err)
	}
	return nil
}
