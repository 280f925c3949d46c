package graphql

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"turnstile/internal/ratelimit/middleware"
	"turnstile/pkg/platform/httputil"
	"turnstile/pkg/platform/middleware/metadata"
)

// MaxRequestBytes caps GraphQL request bodies.
const MaxRequestBytes = 1 << 20

// IdentityFunc picks the identity an operation is charged to.
type IdentityFunc func(r *http.Request) string

// ClientIPIdentity charges operations to the client address.
func ClientIPIdentity(r *http.Request) string {
	return metadata.ClientIP(r)
}

type requestBody struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName"`
}

type errorsBody struct {
	Errors []*GraphQLError `json:"errors"`
}

// Handler runs BeforeExecute for every POSTed GraphQL request and forwards
// admitted requests with the execution context attached and the body intact.
func (p *Plugin) Handler(identity IdentityFunc, next http.Handler) http.Handler {
	if identity == nil {
		identity = ClientIPIdentity
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
		if err != nil {
			writeErrors(w, newError(CodeParseFailed, "request body too large or unreadable", nil))
			return
		}
		var body requestBody
		if err := json.Unmarshal(raw, &body); err != nil {
			writeErrors(w, newError(CodeParseFailed, "request body is not valid JSON", nil))
			return
		}

		ctx, err := p.BeforeExecute(r.Context(), &Request{
			Query:         body.Query,
			OperationName: body.OperationName,
			Identity:      identity(r),
			IP:            metadata.ClientIP(r),
			UserAgent:     r.UserAgent(),
		})
		if err != nil {
			var gqlErr *GraphQLError
			if !errors.As(err, &gqlErr) {
				gqlErr = unavailableError()
			}
			writeErrors(w, gqlErr)
			return
		}

		r = r.WithContext(ctx)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		next.ServeHTTP(w, r)
	})
}

func writeErrors(w http.ResponseWriter, gqlErr *GraphQLError) {
	status := http.StatusBadRequest
	switch gqlErr.Code() {
	case CodeRateLimited:
		status = http.StatusTooManyRequests
	case CodeForbidden:
		status = http.StatusForbidden
	case CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if retry, ok := gqlErr.Extensions["retryAfter"].(int); ok {
		w.Header().Set(middleware.HeaderRetryAfter, strconv.Itoa(retry))
	}
	httputil.WriteJSON(w, status, errorsBody{Errors: []*GraphQLError{gqlErr}})
}
