package api

import (
	"net/http"

	"github.com/Devanish31/Annot/src/commons"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var statusByKind = map[commons.ErrorKind]int{
	commons.ValidationError:        http.StatusBadRequest,
	commons.DimensionMismatchError: http.StatusBadRequest,
	commons.NotFoundError:          http.StatusNotFound,
	commons.NotReadyError:          http.StatusConflict,
	commons.NotInitializedError:    http.StatusConflict,
	commons.ExtractionError:        http.StatusUnprocessableEntity,
	commons.InitializationError:    http.StatusBadGateway,
	commons.PredictionError:        http.StatusBadGateway,
	commons.EncodingError:          http.StatusInternalServerError,
}

func statusFor(kind commons.ErrorKind) int {
	if status, found := statusByKind[kind]; found {
		return status
	}
	return http.StatusInternalServerError
}

// abortWithError answers with the status of err's kind. Server side
// failures are logged at error level.
func abortWithError(c *gin.Context, component string, err error) {
	kind := commons.KindOf(err)
	status := statusFor(kind)

	entry := log.WithFields(log.Fields{"route": c.FullPath(), "kind": string(kind), "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("[", component, "] ", err.Error())
	} else {
		entry.Debug("[", component, "] ", err.Error())
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "kind": kind})
}
