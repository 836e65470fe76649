package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/award"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/formula"
	"github.com/opensource-finance/kestrel/internal/guard"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/points"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type testServer struct {
	*Server
	ledger *ledger.Service
	events *bus.ChannelBus
}

// createTestServer wires the full stack over a temporary SQLite database.
func createTestServer(t *testing.T, async bool) *testServer {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	guards, err := guard.NewEngine()
	require.NoError(t, err)
	formulas, err := formula.NewEvaluator(nil, 64)
	require.NoError(t, err)
	t.Cleanup(formulas.Close)

	events := bus.NewChannelBus(64, nil)
	t.Cleanup(func() { events.Close() })

	catalog := rules.NewCatalog(repo, guards)
	ledgerSvc := ledger.NewService(repo, events, domain.LedgerConfig{MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil)
	awards := award.NewOrchestrator(award.Deps{
		Catalog:      catalog,
		Calculator:   points.NewCalculator(formulas, points.WithGuards(guards)),
		Transactions: repo,
		Ledger:       ledgerSvc,
		History:      history.NewService(repo, nil, nil),
		Events:       events,
	})

	if async {
		w := worker.NewWorker(events, awards, nil)
		require.NoError(t, w.Start())
		t.Cleanup(func() { w.Stop() })
	}

	srv := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Awards:  awards,
		Catalog: catalog,
		Ledger:  ledgerSvc,
		Repo:    repo,
		Bus:     events,
		Version: "test-v1",
		Async:   async,
	})
	return &testServer{Server: srv, ledger: ledgerSvc, events: events}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (s *testServer) createRule(t *testing.T, body string) *domain.Rule {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/rules", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[*domain.Rule](t, rr)
}

func (s *testServer) recordTx(t *testing.T, body string) *domain.Transaction {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/transactions", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[*domain.Transaction](t, rr)
}

func TestHealthEndpoints(t *testing.T) {
	s := createTestServer(t, false)

	rr := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	health := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test-v1", health["version"])

	rr = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))

	rr = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kestrel_http_requests_total")
}

func TestRuleEndpoints(t *testing.T) {
	s := createTestServer(t, false)

	created := s.createRule(t, `{
		"name": "store bonus",
		"type": "fixed",
		"parameters": {"points": 50},
		"scope": {"kind": "merchant", "id": "m-1"}
	}`)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Active, "active defaults to true")

	t.Run("Get", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/rules/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "store bonus", decodeBody[*domain.Rule](t, rr).Name)

		rr = s.do(t, http.MethodGet, "/rules/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("List", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/rules?scope=merchant&id=m-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.EqualValues(t, 1, decodeBody[map[string]any](t, rr)["count"])

		rr = s.do(t, http.MethodGet, "/rules?scope=merchant", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Update", func(t *testing.T) {
		rr := s.do(t, http.MethodPut, "/rules/"+created.ID, `{
			"name": "store bonus v2",
			"type": "fixed",
			"parameters": {"points": 75},
			"scope": {"kind": "merchant", "id": "m-1"}
		}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		updated := decodeBody[*domain.Rule](t, rr)
		assert.Equal(t, created.ID, updated.ID)
		assert.EqualValues(t, 75, updated.Parameters.Number("points", 0))

		rr = s.do(t, http.MethodPut, "/rules/missing", `{"name":"x","type":"fixed","scope":{"kind":"global"}}`)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("RejectsReservedAndInvalid", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/rules", `{"name":"tiers","type":"tiered","scope":{"kind":"global"}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_RESERVED_RULE_TYPE", decodeBody[ErrorResponse](t, rr).Code)

		rr = s.do(t, http.MethodPost, "/rules", `{"name":"bad","type":"custom_formula","parameters":{"formula":"system(1)"},"scope":{"kind":"global"}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = s.do(t, http.MethodPost, "/rules", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_INVALID_JSON", decodeBody[ErrorResponse](t, rr).Code)
	})

	t.Run("Deactivate", func(t *testing.T) {
		rr := s.do(t, http.MethodDelete, "/rules/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = s.do(t, http.MethodGet, "/rules?scope=merchant&id=m-1", nil)
		assert.EqualValues(t, 0, decodeBody[map[string]any](t, rr)["count"])
	})
}

func TestCalculateEndpoint(t *testing.T) {
	s := createTestServer(t, false)
	s.createRule(t, `{"name":"store","type":"fixed","parameters":{"points":50},"scope":{"kind":"merchant","id":"m-1"}}`)
	s.createRule(t, `{"name":"coffee","type":"fixed","parameters":{"points":100},"scope":{"kind":"product","id":"p-coffee"}}`)
	s.createRule(t, `{"name":"basket","type":"custom_formula","parameters":{"formula":"floor(total / 100) * 2 + quantity * 5"},"scope":{"kind":"merchant","id":"m-2"}}`)

	t.Run("Stacks", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/points/calculate", `{"amount":"5.00","merchantId":"m-1","items":[{"productId":"p-coffee","quantity":1}]}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		b := decodeBody[domain.Breakdown](t, rr)
		assert.Equal(t, int64(150), b.Total)
		assert.Len(t, b.Scores, 2)
	})

	t.Run("Formula", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/points/calculate", `{"amount":250,"merchantId":"m-2","items":[{"productId":"p-x","quantity":3}]}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, int64(19), decodeBody[domain.Breakdown](t, rr).Total)
	})

	t.Run("Applicable", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/rules/applicable", `{"amount":5,"merchantId":"m-1","items":[{"productId":"p-coffee","quantity":1}]}`)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.EqualValues(t, 2, decodeBody[map[string]any](t, rr)["count"])
	})

	t.Run("MissingMerchant", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/points/calculate", `{"amount":5}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", decodeBody[ErrorResponse](t, rr).Code)
	})
}

func TestTransactionLifecycle(t *testing.T) {
	s := createTestServer(t, false)
	s.createRule(t, `{"name":"dynamic","type":"dynamic","parameters":{"divisor":10,"multiplier":1},"scope":{"kind":"merchant","id":"m-1"}}`)

	tx := s.recordTx(t, `{"merchantId":"m-1","customerId":"c-1","amount":100,"items":[{"productId":"p-1","quantity":1}]}`)
	assert.Equal(t, domain.TxStatusRecorded, tx.Status)

	rr := s.do(t, http.MethodGet, "/transactions/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodPost, "/transactions/"+tx.ID+"/finalize", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decodeBody[domain.AwardResult](t, rr)
	assert.Equal(t, int64(10), result.Points)
	assert.True(t, result.Credited)

	rr = s.do(t, http.MethodPost, "/transactions/"+tx.ID+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ERR_ALREADY_FINALIZED", decodeBody[ErrorResponse](t, rr).Code)

	rr = s.do(t, http.MethodPut, "/transactions/"+tx.ID, `{"amount":250,"items":[{"productId":"p-1","quantity":1}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result = decodeBody[domain.AwardResult](t, rr)
	assert.Equal(t, int64(25), result.Points)
	assert.Equal(t, int64(15), result.Delta)

	rr = s.do(t, http.MethodGet, "/ledger/c-1/m-1?movements=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	balance := decodeBody[BalanceResponse](t, rr)
	assert.Equal(t, int64(25), balance.Balance)
	assert.Len(t, balance.Movements, 2)

	rr = s.do(t, http.MethodPost, "/transactions/missing/finalize", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/transactions/"+tx.ID+"/finalize?async=true", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "async finalization is disabled")
}

func TestAsyncFinalize(t *testing.T) {
	s := createTestServer(t, true)
	s.createRule(t, `{"name":"flat","type":"fixed","parameters":{"points":40},"scope":{"kind":"global"}}`)

	tx := s.recordTx(t, `{"merchantId":"m-1","customerId":"c-1","amount":10}`)

	rr := s.do(t, http.MethodPost, "/transactions/"+tx.ID+"/finalize?async=true", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	assert.Eventually(t, func() bool {
		balance, err := s.ledger.Balance(context.Background(), "c-1", "m-1")
		return err == nil && balance == 40
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLedgerEndpoints(t *testing.T) {
	s := createTestServer(t, false)
	ctx := context.Background()
	require.NoError(t, s.ledger.Award(ctx, "c-1", "m-1", 100, domain.ReasonPurchase, "seed"))

	t.Run("EmptyBalance", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/ledger/c-9/m-9", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Zero(t, decodeBody[BalanceResponse](t, rr).Balance)
	})

	t.Run("Spend", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/ledger/c-1/m-1/spend", SpendRequest{Points: 30})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.EqualValues(t, 70, decodeBody[map[string]any](t, rr)["balance"])

		rr = s.do(t, http.MethodPost, "/ledger/c-1/m-1/spend", SpendRequest{Points: 500})
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "ERR_INSUFFICIENT_POINTS", decodeBody[ErrorResponse](t, rr).Code)

		rr = s.do(t, http.MethodPost, "/ledger/c-1/m-1/spend", SpendRequest{Points: -1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Transfer", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/ledger/c-1/transfer", TransferRequest{FromMerchantID: "m-1", ToMerchantID: "m-2", Points: 20})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		balance, err := s.ledger.Balance(ctx, "c-1", "m-2")
		require.NoError(t, err)
		assert.Equal(t, int64(20), balance)

		rr = s.do(t, http.MethodPost, "/ledger/c-1/transfer", TransferRequest{FromMerchantID: "m-1", ToMerchantID: "m-2", Points: 1000})
		assert.Equal(t, http.StatusConflict, rr.Code)

		rr = s.do(t, http.MethodPost, "/ledger/c-1/transfer", TransferRequest{FromMerchantID: "m-1", ToMerchantID: "m-1", Points: 1})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("BadMovementsParam", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/ledger/c-1/m-1?movements=lots", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestMiddleware(t *testing.T) {
	s := createTestServer(t, false)

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/points/calculate", nil)
		req.Header.Set("Origin", "https://shop.example")
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "https://shop.example", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("RequestIDPropagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		assert.Equal(t, "req-123", rr.Header().Get(RequestIDHeader))
		assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))
	})

	t.Run("RecoversPanics", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.True(t, strings.Contains(rr.Body.String(), "ERR_INTERNAL"))
	})
}

func TestErrorMapping(t *testing.T) {
	h := NewHandler(Deps{})

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"Should map concurrent modification to 409", fmt.Errorf("failed to settle recalculation: %w", domain.ErrConflict), http.StatusConflict, "ERR_CONFLICT"},
		{"Should map a taken first purchase to 409", domain.ErrFirstPurchaseTaken, http.StatusConflict, "ERR_CONFLICT"},
		{"Should map insufficient points to 409", domain.ErrInsufficientPoints, http.StatusConflict, "ERR_INSUFFICIENT_POINTS"},
		{"Should map transient storage errors to 503", domain.ErrTransient, http.StatusServiceUnavailable, "ERR_BUSY"},
		{"Should hide unknown errors behind 500", errors.New("disk on fire"), http.StatusInternalServerError, "ERR_INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.fail(rr, httptest.NewRequest(http.MethodPut, "/transactions/tx-1", nil), tt.err)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rr).Code)
		})
	}
}
