package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNonexistentRequest    = errors.New("nonexistent request")
	ErrInvalidSubscription   = errors.New("invalid subscription")
	ErrInvalidConsumer       = errors.New("invalid consumer")
	ErrInsufficientBalance   = errors.New("insufficient subscription balance")
	ErrInvalidNumWords       = errors.New("invalid number of words")
	ErrInvalidConfirmations  = errors.New("invalid request confirmations")
	ErrFulfillmentInProgress = errors.New("fulfilment already in progress")
	ErrCoordinatorClosed     = errors.New("coordinator closed")
)

const (
	MaxNumWords             = 500
	MaxRequestConfirmations = 200
)

var (
	// DefaultBaseFee is the flat fee charged per fulfilment (0.25 LINK).
	DefaultBaseFee = big.NewInt(250_000_000_000_000_000)
	// DefaultGasPrice is the per-gas price charged on the callback gas limit.
	DefaultGasPrice = big.NewInt(1_000_000_000)
)

// CoordinatorConfig configures a simulated coordinator.
type CoordinatorConfig struct {
	Address  common.Address
	BaseFee  *big.Int
	GasPrice *big.Int
	// FulfillmentDelay schedules automatic fulfilment that long after each
	// request. Zero leaves requests pending until Fulfill is called.
	FulfillmentDelay time.Duration
}

// Subscription is a read-only view of a billing subscription.
type Subscription struct {
	ID        uint64
	Balance   *big.Int
	Consumers []common.Address
}

// PendingRequest is a read-only view of an outstanding request.
type PendingRequest struct {
	ID          RequestID
	Request     Request
	RequestedAt time.Time
	Attempts    int
}

type subscription struct {
	balance   *big.Int
	consumers map[common.Address]Consumer
}

type pendingRequest struct {
	req         Request
	requestedAt time.Time
	attempts    int
	inFlight    bool
	timer       *quartz.Timer
}

// Coordinator simulates a verifiable randomness coordinator. It manages
// billing subscriptions, hands out request identifiers starting at 1 and
// delivers keccak-derived words to registered consumers.
type Coordinator struct {
	cfg    CoordinatorConfig
	clock  quartz.Clock
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastSubID   uint64
	lastRequest RequestID
	subs        map[uint64]*subscription
	pending     map[RequestID]*pendingRequest
	closed      bool
}

// NewCoordinator creates a coordinator. Nil fees fall back to the defaults.
func NewCoordinator(cfg CoordinatorConfig, clock quartz.Clock, logger *log.Logger) *Coordinator {
	if cfg.BaseFee == nil {
		cfg.BaseFee = DefaultBaseFee
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = DefaultGasPrice
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.WithPrefix("oracle"),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[uint64]*subscription),
		pending: make(map[RequestID]*pendingRequest),
	}
}

// Address returns the coordinator's address.
func (c *Coordinator) Address() common.Address {
	return c.cfg.Address
}

// Close stops scheduled fulfilments. Pending requests are kept and can still
// be inspected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

// CreateSubscription opens an empty subscription and returns its id.
func (c *Coordinator) CreateSubscription() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSubID++
	c.subs[c.lastSubID] = &subscription{
		balance:   new(big.Int),
		consumers: make(map[common.Address]Consumer),
	}
	c.logger.Info("Subscription created", "subId", c.lastSubID)
	return c.lastSubID
}

// FundSubscription adds amount to a subscription balance.
func (c *Coordinator) FundSubscription(subID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fund subscription %d: amount must be positive", subID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("fund subscription %d: %w", subID, ErrInvalidSubscription)
	}
	sub.balance.Add(sub.balance, amount)
	c.logger.Debug("Subscription funded", "subId", subID, "amount", amount, "balance", sub.balance)
	return nil
}

// AddConsumer authorises addr to request randomness against subID. Fulfilled
// words for its requests are delivered to consumer.
func (c *Coordinator) AddConsumer(subID uint64, addr common.Address, consumer Consumer) error {
	if consumer == nil {
		return fmt.Errorf("add consumer %s: consumer is required", addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("add consumer %s: %w", addr, ErrInvalidSubscription)
	}
	sub.consumers[addr] = consumer
	c.logger.Info("Consumer added", "subId", subID, "consumer", addr)
	return nil
}

// RemoveConsumer revokes addr from subID.
func (c *Coordinator) RemoveConsumer(subID uint64, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("remove consumer %s: %w", addr, ErrInvalidSubscription)
	}
	if _, ok := sub.consumers[addr]; !ok {
		return fmt.Errorf("remove consumer %s: %w", addr, ErrInvalidConsumer)
	}
	delete(sub.consumers, addr)
	return nil
}

// Subscription returns a snapshot of a subscription.
func (c *Coordinator) Subscription(subID uint64) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %d: %w", subID, ErrInvalidSubscription)
	}
	view := Subscription{ID: subID, Balance: new(big.Int).Set(sub.balance)}
	for addr := range sub.consumers {
		view.Consumers = append(view.Consumers, addr)
	}
	slices.SortFunc(view.Consumers, func(a, b common.Address) int { return a.Cmp(b) })
	return view, nil
}

// RequestRandomWords records a request and returns its identifier. When a
// fulfilment delay is configured the request is fulfilled automatically.
func (c *Coordinator) RequestRandomWords(ctx context.Context, req Request) (RequestID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if req.NumWords == 0 || req.NumWords > MaxNumWords {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNumWords, req.NumWords)
	}
	if req.MinimumConfirmations > MaxRequestConfirmations {
		return 0, fmt.Errorf("%w: %d", ErrInvalidConfirmations, req.MinimumConfirmations)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrCoordinatorClosed
	}
	sub, ok := c.subs[req.SubscriptionID]
	if !ok {
		return 0, fmt.Errorf("subscription %d: %w", req.SubscriptionID, ErrInvalidSubscription)
	}
	if _, ok := sub.consumers[req.Consumer]; !ok {
		return 0, fmt.Errorf("consumer %s: %w", req.Consumer, ErrInvalidConsumer)
	}

	c.lastRequest++
	id := c.lastRequest
	p := &pendingRequest{req: req, requestedAt: c.clock.Now()}
	if c.cfg.FulfillmentDelay > 0 {
		p.timer = c.clock.AfterFunc(c.cfg.FulfillmentDelay, func() { c.autoFulfill(id) }, "oracle", "fulfill")
	}
	c.pending[id] = p

	c.logger.Info("Randomness requested",
		"requestId", id,
		"subId", req.SubscriptionID,
		"consumer", req.Consumer,
		"numWords", req.NumWords)
	return id, nil
}

// Fulfill delivers derived words for a pending request.
func (c *Coordinator) Fulfill(ctx context.Context, id RequestID) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	var n uint32
	if ok {
		n = p.req.NumWords
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("request %d: %w", id, ErrNonexistentRequest)
	}
	return c.FulfillWithWords(ctx, id, DeriveWords(id, n))
}

// FulfillWithWords delivers the given words for a pending request. The
// subscription is charged only when the consumer accepts them; a rejected
// fulfilment leaves the request pending so it can be retried.
func (c *Coordinator) FulfillWithWords(ctx context.Context, id RequestID, words []*big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w", id, ErrNonexistentRequest)
	}
	if len(words) != int(p.req.NumWords) {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w: got %d, want %d", id, ErrInvalidNumWords, len(words), p.req.NumWords)
	}
	if p.inFlight {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w", id, ErrFulfillmentInProgress)
	}
	sub, ok := c.subs[p.req.SubscriptionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w", id, ErrInvalidSubscription)
	}
	consumer, ok := sub.consumers[p.req.Consumer]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w", id, ErrInvalidConsumer)
	}
	payment := c.payment(p.req.CallbackGasLimit)
	if sub.balance.Cmp(payment) < 0 {
		c.mu.Unlock()
		return fmt.Errorf("request %d: %w: have %s, need %s", id, ErrInsufficientBalance, sub.balance, payment)
	}
	p.inFlight = true
	p.attempts++
	attempt := p.attempts
	c.mu.Unlock()

	// The consumer may call back into its own state; never hold c.mu here.
	err := consumer.FulfillRandomWords(ctx, id, words)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.inFlight = false
	if err != nil {
		c.logger.Warn("Consumer rejected fulfilment", "requestId", id, "attempt", attempt, "error", err)
		return fmt.Errorf("fulfil request %d: %w", id, err)
	}
	sub.balance.Sub(sub.balance, payment)
	delete(c.pending, id)
	c.logger.Info("Randomness fulfilled", "requestId", id, "attempt", attempt, "payment", payment)
	return nil
}

// Pending lists outstanding requests ordered by id.
func (c *Coordinator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, PendingRequest{
			ID:          id,
			Request:     p.req,
			RequestedAt: p.requestedAt,
			Attempts:    p.attempts,
		})
	}
	slices.SortFunc(out, func(a, b PendingRequest) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (c *Coordinator) payment(callbackGasLimit uint32) *big.Int {
	gas := new(big.Int).Mul(c.cfg.GasPrice, new(big.Int).SetUint64(uint64(callbackGasLimit)))
	return gas.Add(gas, c.cfg.BaseFee)
}

func (c *Coordinator) autoFulfill(id RequestID) {
	if err := c.Fulfill(c.ctx, id); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Warn("Automatic fulfilment failed, request left pending", "requestId", id, "error", err)
	}
}
