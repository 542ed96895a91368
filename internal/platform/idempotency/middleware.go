package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/metrics"
)

const (
	HeaderKey       = "Idempotency-Key"
	HeaderLegacyKey = "X-Idempotency-Key"
	HeaderReplayed  = "X-Idempotency-Replayed"
)

// maxBodyBytes caps what the middleware buffers to fingerprint a request.
const maxBodyBytes = 1 << 20

// Middleware deduplicates POST, PUT and PATCH requests.
//
//   - With an Idempotency-Key (or legacy X-Idempotency-Key) header the key
//     identifies the request. Reusing it for a request with a different
//     fingerprint is answered with 422.
//   - Without a header only paths matched by an Implicit rule are guarded,
//     keyed by the request fingerprint and the rule's scope, if any.
//   - A completed record is replayed with X-Idempotency-Replayed: true.
//   - A claim still in flight is answered with DUPLICATE_REQUEST.
//
// Handler errors and 5xx responses are not stored, so retries execute again.
func Middleware(g *Guard, policy Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			method := req.Method
			if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
				return next(c)
			}

			clientKey := req.Header.Get(HeaderKey)
			if clientKey == "" {
				clientKey = req.Header.Get(HeaderLegacyKey)
			}
			rule := policy.Match(req.URL.Path)
			if clientKey == "" && !rule.Implicit {
				return next(c)
			}

			var body []byte
			if req.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
				if err != nil {
					return apperr.Wrap(apperr.InvalidInput, "unreadable request body", err)
				}
				req.Body = io.NopCloser(bytes.NewReader(body))
			}

			ctx := req.Context()
			fp := Fingerprint(method, req.URL.Path, body)
			if clientKey == "" && rule.Scope != nil {
				scope, err := rule.Scope(ctx, body)
				if err != nil {
					return apperr.Wrap(apperr.Internal, "idempotency scope unavailable", err)
				}
				fp = WithScope(fp, scope)
			}
			key := HTTPKey(clientKey, fp)

			existing, err := g.Begin(ctx, key, Record{
				Method:      method,
				Path:        req.URL.Path,
				Fingerprint: fp,
			})
			if err != nil {
				return apperr.Wrap(apperr.Internal, "idempotency store unavailable", err)
			}
			if existing != nil {
				if existing.Fingerprint != fp {
					return echo.NewHTTPError(http.StatusUnprocessableEntity,
						"idempotency key was already used for a different request")
				}
				if existing.State != StateDone {
					return apperr.Busy(apperr.DuplicateRequest, "an identical request is in progress", time.Second)
				}
				metrics.RecordIdempotentReplay()
				return replay(c, existing)
			}

			origWriter := c.Response().Writer
			rec := &recorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = rec

			if err := next(c); err != nil {
				c.Response().Writer = origWriter
				g.Abort(ctx, key)
				return err
			}
			c.Response().Writer = origWriter

			if rec.statusCode < http.StatusInternalServerError {
				stored := Record{
					Method:      method,
					Path:        req.URL.Path,
					Fingerprint: fp,
					StatusCode:  rec.statusCode,
					ContentType: rec.headers.Get(echo.HeaderContentType),
					Body:        rec.body.Bytes(),
				}
				if err := g.Complete(ctx, key, stored, rule.TTL); err != nil {
					g.logger.Error().Err(err).Str("key", key).Msg("store idempotent response")
				}
			} else {
				g.Abort(ctx, key)
			}

			for k, vals := range rec.headers {
				for _, v := range vals {
					origWriter.Header().Add(k, v)
				}
			}
			origWriter.WriteHeader(rec.statusCode)
			_, err = origWriter.Write(rec.body.Bytes())
			return err
		}
	}
}

func replay(c echo.Context, rec *Record) error {
	resp := c.Response()
	if rec.ContentType != "" {
		resp.Header().Set(echo.HeaderContentType, rec.ContentType)
	}
	resp.Header().Set(HeaderReplayed, "true")
	resp.WriteHeader(rec.StatusCode)
	_, err := resp.Write(rec.Body)
	return err
}

// recorder buffers the downstream response so it can be stored before it
// reaches the client.
type recorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *recorder) Header() http.Header {
	return r.headers
}

func (r *recorder) WriteHeader(code int) {
	r.statusCode = code
	r.wroteHead = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.statusCode = http.StatusOK
		r.wroteHead = true
	}
	return r.body.Write(b)
}
