package qsig

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/shield"
)

type contextKey string

const claimsKey contextKey = "qsig_claims"

// ClaimsFrom returns the verified claims stored by Require, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// Require returns middleware that rejects requests whose signature does not
// verify with 401, before the handler sees them. The signed URL is rebuilt
// from publicURL and the request path, never from the Host header. On
// success the body is replaced with the verified bytes and the delivery
// (message id, attempt) is recorded in the context through kit.WithDelivery.
func Require(v *Verifier, publicURL string, maxBody int64) func(http.Handler) http.Handler {
	base := strings.TrimRight(publicURL, "/")
	if maxBody <= 0 {
		maxBody = horosafe.MaxResponseBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := shield.GetLogger(r.Context())

			body, err := horosafe.LimitedReadAll(r.Body, maxBody)
			if err != nil {
				writeErr(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}

			claims, err := v.Verify(r.Header.Get(SignatureHeader), base+r.URL.Path, body)
			if err != nil {
				log.Warn("qsig: delivery rejected", "error", err)
				writeErr(w, http.StatusUnauthorized, "invalid signature")
				return
			}

			retried, _ := strconv.Atoi(r.Header.Get(RetriedHeader))
			if retried < 0 {
				retried = 0
			}
			msgID := r.Header.Get(MessageIDHeader)
			if msgID == "" {
				msgID = claims.ID
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = kit.WithTransport(ctx, "queue")
			ctx = kit.WithDelivery(ctx, msgID, retried+1)
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
