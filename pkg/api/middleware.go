package api

import (
	"fmt"
	"math"
	"net/http"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/throttle"
)

// tenantHeader carries the caller's tenant, stamped by the edge proxy after
// authentication.
const tenantHeader = "X-Tenant-ID"

// requestID assigns or echoes X-Request-ID so problem bodies and logs line
// up with the caller's trace.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// tenantOf extracts the tenant or fails the request.
func tenantOf(r *http.Request) (string, error) {
	tenant := r.Header.Get(tenantHeader)
	if tenant == "" {
		return "", fmt.Errorf("%w: missing %s header", contracts.ErrInvalidRequest, tenantHeader)
	}
	return tenant, nil
}

// ThrottleMetrics counts limiter rejections.
type ThrottleMetrics interface {
	RecordThrottled(scope string)
}

type nopThrottleMetrics struct{}

func (nopThrottleMetrics) RecordThrottled(string) {}

// throttled wraps the gate surface with the per-tenant and global buckets.
// Rejections are 429 with Retry-After; a broken limiter store fails open so
// the shared Redis going away cannot take the gate down with it.
func (s *Server) throttled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		tenant, err := tenantOf(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		verdict, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.logger.WarnContext(r.Context(), "throttle store unavailable, failing open", "error", err)
			next(w, r)
			return
		}
		if !verdict.Allowed {
			s.metrics.RecordThrottled(verdict.Scope)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(verdict)))
			writeProblem(w, r, http.StatusTooManyRequests, contracts.ReasonThrottled,
				fmt.Sprintf("rate limit exceeded (%s bucket)", verdict.Scope))
			return
		}
		next(w, r)
	}
}

func retryAfterSeconds(v *throttle.Verdict) int {
	secs := int(math.Ceil(v.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
