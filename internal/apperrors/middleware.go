package apperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/logger"
)

// ErrorHandler converts any error attached to the gin context into the
// standard error response shape, logging 5xx at error level and 4xx at
// warn level.
func ErrorHandler() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		if appErr, ok := err.Err.(*AppError); ok {
			if appErr.StatusCode >= 500 {
				log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
			} else {
				log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
			}
			c.JSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		log.Error().Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   CodeInternalServer,
			Message: "an unexpected error occurred",
			Code:    CodeInternalServer,
		})
	}
}

// Recovery recovers from panics in downstream handlers, logging and
// returning a generic 500 instead of crashing the process.
func Recovery() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("recovered from panic")
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   CodeInternalServer,
					Message: "an unexpected error occurred",
					Code:    CodeInternalServer,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError writes err's JSON response and attaches it to the gin
// context for the access logger.
func HandleError(c *gin.Context, err error) {
	ae := Wrap(err)
	c.Error(ae)
	c.JSON(ae.StatusCode, ae.ToResponse())
}

// AbortWithError aborts the request with err's JSON response.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
