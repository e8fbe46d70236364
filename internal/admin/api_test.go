package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/breaker"
	"github.com/nexafin/bridgeguard/internal/capability"
	"github.com/nexafin/bridgeguard/internal/ratelimit"
	"github.com/nexafin/bridgeguard/internal/router"
	"github.com/nexafin/bridgeguard/internal/settlement"
	"github.com/nexafin/bridgeguard/internal/store"
)

func newTestServer(t *testing.T) (*gin.Engine, *capability.Capability) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth, cred, err := capability.NewAuthority(zap.NewNop())
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(auth, zap.NewNop())
	brk := breaker.New(auth, 0, zap.NewNop())
	journal := settlement.NewJournal(&settlement.LogTarget{}, zap.NewNop())
	rt := router.New("tbtc", router.EnvelopeVerifier{}, store.NewMemorySet(),
		brk, limiter, journal, auth, zap.NewNop())
	require.NoError(t, rt.SetTrustedEmitter(cred, 2, emitterAddr))

	e := gin.New()
	New(limiter, rt, brk, journal, auth, zap.NewNop()).Routes(e)
	return e, cred
}

var emitterAddr = [32]byte{31: 0xbe}

func doJSON(e *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(CapabilityHeader, token)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestAPI_SetConfigRequiresCapability(t *testing.T) {
	e, cred := newTestServer(t)
	body := map[string]any{"rate": "10", "capacity": "100", "enabled": true}

	w := doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", "deadbeef", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", cred.Token(), body)
	assert.Equal(t, http.StatusOK, w.Code)

	// State is now readable without a credential.
	w = doJSON(e, http.MethodGet, "/v1/ratelimit/tbtc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "100", st["tokens"])
}

func TestAPI_SetConfigValidation(t *testing.T) {
	e, cred := newTestServer(t)

	w := doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", cred.Token(),
		map[string]any{"rate": "0", "capacity": "100", "enabled": true})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", cred.Token(),
		map[string]any{"rate": "ten", "capacity": "100", "enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ReceiveOutcomes(t *testing.T) {
	e, cred := newTestServer(t)

	payload := router.EncodeTransferPayload(router.TransferPayload{
		Amount: big.NewInt(5),
	})
	raw := router.EncodeEnvelope(2, emitterAddr, payload)
	body := map[string]any{"raw": hexutil.Encode(raw)}

	w := doJSON(e, http.MethodPost, "/v1/messages", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	digest := resp["digest"]
	require.NotEmpty(t, digest)

	// Resubmission is a conflict.
	w = doJSON(e, http.MethodPost, "/v1/messages", "", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Processed lookup agrees.
	w = doJSON(e, http.MethodGet, "/v1/processed/"+digest, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":true`)

	// Frozen path: retry-later with header, digest not burned.
	w = doJSON(e, http.MethodPost, "/admin/paths/tbtc/pause", cred.Token(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	raw2 := router.EncodeEnvelope(2, emitterAddr, router.EncodeTransferPayload(router.TransferPayload{
		Amount: big.NewInt(7),
	}))
	w = doJSON(e, http.MethodPost, "/v1/messages", "", map[string]any{"raw": hexutil.Encode(raw2)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = doJSON(e, http.MethodPost, "/admin/paths/tbtc/resume", cred.Token(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(e, http.MethodPost, "/v1/messages", "", map[string]any{"raw": hexutil.Encode(raw2)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RateLimitedReturns429(t *testing.T) {
	e, cred := newTestServer(t)

	w := doJSON(e, http.MethodPut, "/admin/ratelimit/tbtc", cred.Token(),
		map[string]any{"rate": "1", "capacity": "10", "enabled": true})
	require.Equal(t, http.StatusOK, w.Code)

	raw := router.EncodeEnvelope(2, emitterAddr, router.EncodeTransferPayload(router.TransferPayload{
		Amount: big.NewInt(11),
	}))
	w = doJSON(e, http.MethodPost, "/v1/messages", "", map[string]any{"raw": hexutil.Encode(raw)})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAPI_BadReceiveBody(t *testing.T) {
	e, _ := newTestServer(t)

	for _, body := range []map[string]any{
		nil,
		{"raw": "not-hex"},
		{"raw": fmt.Sprintf("0x%02x", 1)},
	} {
		w := doJSON(e, http.MethodPost, "/v1/messages", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}
