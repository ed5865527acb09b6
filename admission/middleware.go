package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidserve/credentials"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/ratelimit"
	"vidserve/utils"
)

// maxPeekBytes bounds how much of a request body is read to find the format
const maxPeekBytes = 64 << 10

type ctxKey int

const (
	credentialKey ctxKey = iota
	clientIPKey
)

// Middleware admits requests that carry a valid, unexpired credential whose
// IP, rate and format policies allow them
type Middleware struct {
	creds      credentials.Store
	limiter    *ratelimit.Limiter
	trustProxy bool
	now        func() time.Time
}

func New(creds credentials.Store, limiter *ratelimit.Limiter, trustProxy bool) *Middleware {
	return &Middleware{creds: creds, limiter: limiter, trustProxy: trustProxy, now: time.Now}
}

// Handler wraps next with the admission checks
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := m.now()
		ip := ClientIP(r, m.trustProxy)

		key := ExtractKey(r)
		if key == "" {
			logger.Debugf("Admission denied for %s: no api key", ip)
			utils.WriteError(w, http.StatusUnauthorized, "missing_api_key", "an API key is required")
			return
		}

		cred, err := m.creds.Validate(ctx, key)
		if errors.Is(err, credentials.ErrNotFound) {
			logger.Debugf("Admission denied for %s: unknown api key", ip)
			utils.WriteError(w, http.StatusUnauthorized, "invalid_api_key", "the API key is not valid")
			return
		}
		if err != nil {
			logger.Errorf("Credential lookup failed: %v", err)
			utils.WriteError(w, http.StatusInternalServerError, "internal_error", "credential lookup failed")
			return
		}

		if !cred.Active {
			utils.WriteError(w, http.StatusUnauthorized, "api_key_inactive", "the API key has been revoked")
			return
		}
		if cred.IsExpired(now) {
			utils.WriteError(w, http.StatusUnauthorized, "api_key_expired", "the API key has expired")
			return
		}

		if !cred.IsIPAllowed(ip) {
			logger.Warnf("Admission denied for credential %s: ip %s not allowed", cred.ID, ip)
			utils.WriteError(w, http.StatusForbidden, "ip_not_allowed",
				fmt.Sprintf("requests from %s are not allowed for this API key", ip))
			return
		}

		decision := m.limiter.CheckAndIncrement(ctx, cred, now)
		setRateHeaders(w, decision)
		if !decision.Admitted {
			logger.Debugf("Rate limit exceeded for credential %s", cred.ID)
			writeRateLimited(w, decision)
			return
		}

		format, err := requestedFormat(r)
		if err != nil {
			utils.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if format != "" {
			if f, err := models.ParseFormat(format); err == nil && !cred.IsFormatAllowed(f) {
				utils.WriteError(w, http.StatusForbidden, "format_not_allowed",
					fmt.Sprintf("format %s is not allowed for this API key", f))
				return
			}
		}

		if err := m.creds.RecordUsage(ctx, cred.ID, now); err != nil {
			logger.Warnf("Failed to record usage for credential %s: %v", cred.ID, err)
		}

		ctx = context.WithValue(ctx, credentialKey, cred)
		ctx = context.WithValue(ctx, clientIPKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CredentialFrom returns the credential that admitted the request
func CredentialFrom(ctx context.Context) (*models.Credential, bool) {
	c, ok := ctx.Value(credentialKey).(*models.Credential)
	return c, ok
}

// ClientIPFrom returns the client IP resolved during admission
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// ExtractKey reads the API key from the Authorization bearer token, the
// X-API-Key header or the api_key query parameter, in that order
func ExtractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// ClientIP uses the first X-Forwarded-For hop when the proxy is trusted and
// the connection address otherwise
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestedFormat finds the format in the query or a JSON body. The body is
// restored for the handler.
func requestedFormat(r *http.Request) (string, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		return f, nil
	}
	if r.Body == nil || r.Body == http.NoBody || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes+1))
	r.Body.Close()
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxPeekBytes {
		return "", fmt.Errorf("request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var peek struct {
		Format string `json:"format"`
	}
	// malformed bodies are the handler's problem
	_ = json.Unmarshal(body, &peek)
	return peek.Format, nil
}

type rateLimitedResponse struct {
	utils.ErrorResponse
	Exceeded []ratelimit.PeriodUsage `json:"exceeded"`
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	periods := make([]string, len(d.Exceeded))
	for i, u := range d.Exceeded {
		periods[i] = string(u.Period)
	}
	retry := int((d.RetryAfter + time.Second - 1) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	utils.WriteJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		ErrorResponse: utils.ErrorResponse{
			Error:   "rate_limit_exceeded",
			Message: "rate limit exceeded for " + strings.Join(periods, ", "),
		},
		Exceeded: d.Exceeded,
	})
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	for _, u := range d.Usage {
		if u.Period != models.PeriodMinute {
			continue
		}
		remaining := u.Limit - u.Used
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(u.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
}
