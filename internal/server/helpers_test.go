package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/lox/autoraffle/internal/ledger"
	"github.com/lox/autoraffle/internal/oracle"
	"github.com/lox/autoraffle/internal/raffle"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	escrow = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

type testEnv struct {
	ctx     context.Context
	clock   *quartz.Mock
	ledger  *ledger.Memory
	coord   *oracle.Coordinator
	manager *Manager
	inst    *Instance
	server  *Server
	http    *httptest.Server
}

// newTestEnv hosts one raffle named "main" with a fee of 10 wei and a one
// minute interval.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	led := ledger.NewMemory()

	coord := oracle.NewCoordinator(oracle.CoordinatorConfig{
		Address:  common.HexToAddress("0xc0de"),
		BaseFee:  big.NewInt(0),
		GasPrice: big.NewInt(0),
	}, mClock, testLogger())
	subID := coord.CreateSubscription()

	r, err := raffle.New(raffle.Config{
		Escrow:         escrow,
		EntranceFee:    big.NewInt(10),
		Interval:       time.Minute,
		SubscriptionID: subID,
	}, coord, led, raffle.WithClock(mClock), raffle.WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, coord.AddConsumer(subID, escrow, r))

	manager := NewManager(testLogger())
	inst, err := manager.Register("main", r, nil)
	require.NoError(t, err)

	opts = append([]Option{WithClock(mClock), WithLedger(led), WithOracle(coord)}, opts...)
	srv := NewServer(manager, testLogger(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseConnections()
		ts.Close()
	})

	return &testEnv{
		ctx:     ctx,
		clock:   mClock,
		ledger:  led,
		coord:   coord,
		manager: manager,
		inst:    inst,
		server:  srv,
		http:    ts,
	}
}

func (e *testEnv) fund(t *testing.T, addr common.Address, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Deposit(e.ctx, addr, big.NewInt(amount)))
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	return decodeResponse(t, resp, out)
}

func (e *testEnv) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	resp, err := http.Post(e.http.URL+path, "application/json", reader)
	require.NoError(t, err)
	return decodeResponse(t, resp, out)
}

func (e *testEnv) enter(t *testing.T, addr common.Address, amount string) int {
	t.Helper()
	return e.post(t, "/api/raffles/main/entries", EnterRequest{Participant: addr.Hex(), Amount: amount}, nil)
}

func decodeResponse(t *testing.T, resp *http.Response, out any) int {
	t.Helper()
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of type mt arrives.
func readUntil(t *testing.T, conn *websocket.Conn, mt MessageType, out any) Message {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type != mt {
			continue
		}
		if out != nil {
			require.NoError(t, json.Unmarshal(msg.Data, out))
		}
		return msg
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, mt MessageType, requestID string, data any) {
	t.Helper()
	msg, err := NewMessage(mt, data, time.Now())
	require.NoError(t, err)
	msg.RequestID = requestID
	require.NoError(t, conn.WriteJSON(msg))
}
