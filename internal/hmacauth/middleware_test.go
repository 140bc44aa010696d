package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func verifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"account":"0xabc"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	verifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, seen, "body must be readable after verification")
}

func TestMiddleware_Rejects(t *testing.T) {
	body := `{"chainId":84532}`
	ts := strconv.FormatInt(now.Unix(), 10)
	valid := Sign("secret", ts, http.MethodPost, "/api/v1/network", []byte(body))

	tests := []struct {
		name string
		sig  string
		ts   string
		path string
		want error
	}{
		{"missing signature", "", ts, "/api/v1/network", ErrMissingSignature},
		{"missing timestamp", valid, "", "/api/v1/network", ErrMissingTimestamp},
		{"garbled timestamp", valid, "soon", "/api/v1/network", ErrMissingTimestamp},
		{"stale timestamp", valid, strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10), "/api/v1/network", ErrStaleTimestamp},
		{"bad signature", "deadbeef", ts, "/api/v1/network", ErrInvalidSignature},
		{"signed for another path", valid, ts, "/api/v1/deposits", ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(HeaderSignature, tt.sig)
			}
			if tt.ts != "" {
				req.Header.Set(HeaderTimestamp, tt.ts)
			}
			rec := httptest.NewRecorder()

			verifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want.Error())
		})
	}
}

func TestMiddleware_EmptySecretDisablesVerification(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/network", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	(&Verifier{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}
