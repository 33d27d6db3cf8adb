package response

import (
	stderrors "errors"
	"net/http"

	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serverErrorMessage = "Server error"

// Success writes 200 with message merged into data. A gin.H payload is
// flattened into the body; anything else lands under "data".
func Success(c *gin.Context, message string, data any) {
	write(c, http.StatusOK, message, data)
}

// Created writes 201 the same way Success does.
func Created(c *gin.Context, message string, data any) {
	write(c, http.StatusCreated, message, data)
}

func write(c *gin.Context, status int, message string, data any) {
	body := gin.H{}
	switch v := data.(type) {
	case nil:
	case gin.H:
		for k, val := range v {
			body[k] = val
		}
	default:
		body["data"] = v
	}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

// Fail writes a classified error. Validation errors carry their field list
// under "errors"; unclassified errors collapse to a generic 500.
func Fail(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
			zap.String("stack", apperrors.GetStack(err)),
		)
		c.AbortWithStatusJSON(status, gin.H{"message": serverErrorMessage})
		return
	}

	body := gin.H{"message": apperrors.GetMessage(err)}
	var e *apperrors.Error
	if stderrors.As(err, &e) && len(e.Fields) > 0 {
		body["errors"] = e.Fields
	}
	c.AbortWithStatusJSON(status, body)
}
