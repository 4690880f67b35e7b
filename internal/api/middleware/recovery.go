package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/api/types"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// Recovery logs panics and returns 500 with a generic message.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.L().Error("panic recovered",
					zap.String("id", GetRequestID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				types.WriteError(w, appErr.New(appErr.CodeInternal, "panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
