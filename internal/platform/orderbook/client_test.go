package orderbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

func TestGetPartFill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/0xabc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"uid": "0xabc",
			"status": "fulfilled",
			"executedBuyAmount": "123456789012345678901234567890",
			"executedSellAmount": "260",
			"executedSellAmountBeforeFees": "250"
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{})
	fill, err := c.GetPartFill(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "250", fill.ExecutedSellAmount.String())
	assert.Equal(t, "123456789012345678901234567890", fill.ExecutedBuyAmount.String())
}

func TestGetPartFillNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"errorType":"NotFound"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{MaxRetries: 5})
	_, err := c.GetPartFill(context.Background(), "0xabc")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetPartFillRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"executedBuyAmount":"7","executedSellAmountBeforeFees":"3"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{MaxRetries: 5})
	fill, err := c.GetPartFill(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "3", fill.ExecutedSellAmount.String())
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetPartFillGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{MaxRetries: 2})
	_, err := c.GetPartFill(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGetPartFillBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"executedBuyAmount":"1.5","executedSellAmountBeforeFees":"3"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{})
	_, err := c.GetPartFill(context.Background(), "0xabc")
	require.Error(t, err)
}

func TestGetPartFillRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, Options{MaxRetries: 10})
	_, err := c.GetPartFill(ctx, "0xabc")
	require.Error(t, err)
}
