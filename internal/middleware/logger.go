package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one line per request.  Server errors log at error
// level, client errors at warn.  Handlers put the cause of a failure in
// the "error" context key.
func RequestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req, res := c.Request(), c.Response()
			entry := log.WithFields(logrus.Fields{
				"method":     req.Method,
				"path":       c.Path(),
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": time.Since(start).Milliseconds(),
				"ip":         c.RealIP(),
				"user_id":    userID(c),
				"request_id": res.Header().Get(echo.HeaderXRequestID),
			})
			if msg, ok := c.Get("error").(string); ok && msg != "" {
				entry = entry.WithField("error", msg)
			}
			switch {
			case res.Status >= 500:
				entry.Error("request")
			case res.Status >= 400:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
			return nil
		}
	}
}
