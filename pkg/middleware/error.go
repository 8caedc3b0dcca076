package middleware

import (
	"errors"
	"net/http"

	"smallbiznis-referral/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. errutil errors keep their status;
// anything else is logged and answered with a generic internal error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var be errutil.BaseError
		if errors.As(err, &be) {
			if be.Code.HTTPStatus() >= http.StatusInternalServerError {
				zap.L().Error("[HTTP] request failed", zap.String("path", c.FullPath()), zap.Error(err))
			}
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		zap.L().Error("[HTTP] unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		internal := errutil.Internal("internal server error", nil).(errutil.BaseError)
		c.JSON(http.StatusInternalServerError, internal.JSON())
	}
}
