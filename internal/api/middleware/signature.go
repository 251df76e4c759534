package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sort"
)

// signatureHeader carries the carrier's request signature: base64 of
// HMAC-SHA1 over the full callback URL with the sorted POST parameters
// appended, keyed by the account auth token.
const signatureHeader = "X-Twilio-Signature"

// ComputeSignature builds the expected signature for a callback. Exported
// for the webhook tests.
func ComputeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(url))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns middleware that rejects webhook requests whose
// signature does not match. publicBase is the scheme and host the carrier
// was given for callbacks; the carrier signs over that URL, not whatever
// host header reached us through the proxy.
func VerifySignature(authToken, publicBase string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(signatureHeader)
			if got == "" {
				reject(w, r, "missing signature")
				return
			}

			if err := r.ParseForm(); err != nil {
				reject(w, r, "unparseable form")
				return
			}
			params := make(map[string]string, len(r.PostForm))
			for k, vs := range r.PostForm {
				if len(vs) > 0 {
					params[k] = vs[0]
				}
			}

			url := publicBase + r.URL.RequestURI()
			want := ComputeSignature(authToken, url, params)
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				reject(w, r, "signature mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("webhook signature rejected",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	w.WriteHeader(http.StatusForbidden)
}
