// ABOUTME: Internal shared-secret check on mutating operations API calls.
// ABOUTME: Reads are open to the platform's internal network; writes need the token.
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// internalTokenHeader carries the shared secret on mutating calls. The ops
// API is internal-only; this is service-to-service credentialing, not user
// auth.
const internalTokenHeader = "X-Internal-Token"

// requireInternalToken returns a huma middleware that rejects mutating
// requests (anything but GET) whose token header does not match the
// configured secret. Constant-time compare prevents timing attacks.
func (srv *Server) requireInternalToken(api huma.API) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if ctx.Method() == http.MethodGet {
			next(ctx)
			return
		}
		token := ctx.Header(internalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(srv.cfg.InternalToken)) != 1 {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(ctx)
	}
}
