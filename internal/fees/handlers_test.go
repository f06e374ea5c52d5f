package fees

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/token"
)

func testRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller-Address"); addr != "" {
			c.Set("callerAddr", addr)
		}
		c.Next()
	})
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListBalances(t *testing.T) {
	svc, _, _ := newFeeFixture(t)
	require.NoError(t, svc.Accrue(context.Background(), payment.Native(), big.NewInt(42)))

	w := doJSON(t, testRouter(svc), http.MethodGet, "/v1/fees", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balances map[string]string `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Balances["native"])
}

func TestWithdrawEndpoint(t *testing.T) {
	tokens := token.NewMemoryRegistry()
	rail := payment.NewVaultRail(custodyAddr, tokens)
	svc := NewService(NewMemoryStore(), rail, ownerAddr)
	fund(t, rail, tokens, payment.Native(), 500)
	require.NoError(t, svc.Accrue(context.Background(), payment.Native(), big.NewInt(500)))

	r := testRouter(svc)
	body := map[string]string{"mediumKind": "native", "destination": treasury}

	// Non-owner is rejected
	w := doJSON(t, r, http.MethodPost, "/v1/admin/fees/withdraw", treasury, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	// Owner sweeps the full balance
	w = doJSON(t, r, http.MethodPost, "/v1/admin/fees/withdraw", ownerAddr, body)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Medium string `json:"medium"`
		Amount string `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "native", resp.Medium)
	assert.Equal(t, "500", resp.Amount)

	// Nothing left
	w = doJSON(t, r, http.MethodPost, "/v1/admin/fees/withdraw", ownerAddr, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "nothing_to_withdraw")
}

func TestWithdrawEndpointValidation(t *testing.T) {
	svc, _, _ := newFeeFixture(t)
	r := testRouter(svc)

	cases := []struct {
		name string
		body map[string]string
		code string
	}{
		{"missing destination", map[string]string{"mediumKind": "native"}, "invalid_request"},
		{"bad destination", map[string]string{"mediumKind": "native", "destination": "not-an-address"}, "validation_error"},
		{"unknown medium", map[string]string{"mediumKind": "card", "destination": treasury}, "invalid_medium"},
		{"token without ref", map[string]string{"mediumKind": "token", "destination": treasury}, "invalid_medium"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/v1/admin/fees/withdraw", ownerAddr, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tc.code)
		})
	}
}
