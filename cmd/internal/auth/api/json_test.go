package authapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerDecode(t *testing.T) {
	t.Parallel()

	h := &Handler{cfg: Config{MaxBodyBytes: 64}}
	cases := []struct {
		name   string
		body   string
		ok     bool
		status int
		code   string
	}{
		{name: "valid", body: `{"refresh_token":"abc"}`, ok: true},
		{name: "empty", body: ``, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"refresh_token":"a","admin":true}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "trailing object", body: `{"refresh_token":"a"}{}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "too large", body: `{"refresh_token":"` + strings.Repeat("x", 128) + `"}`, status: http.StatusRequestEntityTooLarge, code: "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/token/refresh", strings.NewReader(tc.body))
			var dst refreshRequest

			ok := h.decode(rr, req, &dst)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, "abc", dst.RefreshToken)
				return
			}
			assert.Equal(t, tc.status, rr.Code)
			var body errorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		})
	}
}
