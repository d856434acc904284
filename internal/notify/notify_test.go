package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.fail
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func testOrder() *orders.Order {
	return &orders.Order{
		ID: "ord-1", BuyerID: "buyer-1", SellerID: "seller-1",
		TotalAmount: decimal.RequireFromString("100.00"), CommissionFee: decimal.RequireFromString("5.00"),
		Currency: "usd", Status: orders.StatusDelivered,
	}
}

func TestEmitter_NotifiesBothParties(t *testing.T) {
	rec := &recorder{}
	e := NewEmitter(rec, discardLogger())

	e.FundsReleased(testOrder())
	e.Wait()

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, KindFundsReleased, got[0].Kind)
	assert.Equal(t, "buyer-1", got[0].Recipient)
	assert.Equal(t, RoleBuyer, got[0].Role)
	assert.Equal(t, "seller-1", got[1].Recipient)
	assert.Equal(t, "95.00", got[1].Data["netAmount"])
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestEmitter_FailureIsSwallowed(t *testing.T) {
	rec := &recorder{fail: errors.New("smtp down")}
	e := NewEmitter(rec, discardLogger())

	e.OrderPaid(testOrder())
	e.Wait()
	assert.Len(t, rec.all(), 2)
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	e.OrderPaid(testOrder())
	e.Wait()
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("broken")}
	err := Fanout{bad, ok}.Notify(context.Background(), Notification{OrderID: "o"})
	require.Error(t, err)
	assert.Len(t, ok.all(), 1, "a failing channel must not stop the others")
}

func TestHTTPNotifier_SignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(HeaderTimestamp)
		if r.Header.Get(HeaderSignature) != Sign(body, ts, "shh") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var got Notification
		_ = json.Unmarshal(body, &got)
		if got.Kind != KindOrderPaid || r.Header.Get(HeaderEvent) != string(KindOrderPaid) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewHTTPNotifier(srv.URL, "shh")
	h.policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

	err := h.Notify(context.Background(), Notification{Kind: KindOrderPaid, OrderID: "o"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	h := NewHTTPNotifier(srv.URL, "")
	h.policy = retry.Policy{Attempts: 5, BaseDelay: time.Millisecond}

	err := h.Notify(context.Background(), Notification{Kind: KindOrderPaid})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

type fakeWriter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	fails int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_KeysByOrder(t *testing.T) {
	w := &fakeWriter{fails: 1}
	k := &KafkaNotifier{writer: w, topic: "escrow-notifications", policy: retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}}

	err := k.Notify(context.Background(), Notification{Kind: KindOrderDisputed, OrderID: "ord-9", Recipient: "buyer-1"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ord-9", string(w.msgs[0].Key))

	carrier := newMessageCarrier(&w.msgs[0])
	assert.Equal(t, string(KindOrderDisputed), carrier.Get("kind"))

	var decoded Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "buyer-1", decoded.Recipient)
}
