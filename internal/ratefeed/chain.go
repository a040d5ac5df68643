package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// contractCaller is the subset of ethclient used by ChainFetcher.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainOptions parameterise the on-chain fetcher.
type ChainOptions struct {
	RPCURL     string
	Aggregator string
	Timeout    time.Duration
}

// ChainFetcher reads the rate from a price aggregator contract exposing
// latestRoundData and decimals.
type ChainFetcher struct {
	opts      ChainOptions
	logger    zerolog.Logger
	caller    contractCaller
	clientMux sync.Mutex
	decimals  *int32
}

// NewChainFetcher builds an on-chain rate fetcher.
func NewChainFetcher(opts ChainOptions, logger zerolog.Logger) *ChainFetcher {
	return &ChainFetcher{opts: opts, logger: logger.With().Str("component", "chain_rate_fetcher").Logger()}
}

// Fetch calls latestRoundData and scales the answer by the feed decimals.
func (c *ChainFetcher) Fetch(ctx context.Context) (Quote, error) {
	if c.opts.RPCURL == "" && c.caller == nil {
		return Quote{}, errors.New("ethereum rpc url not configured")
	}
	if c.opts.Aggregator == "" {
		return Quote{}, errors.New("aggregator contract address not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return Quote{}, err
	}
	addr := common.HexToAddress(c.opts.Aggregator)

	scale, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return Quote{}, err
	}

	outputs, err := call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 5 {
		return Quote{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("aggregator returned non-positive answer %s", answer)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	observed := time.Now().UTC()
	if updatedAt.Sign() > 0 {
		observed = time.Unix(updatedAt.Int64(), 0).UTC()
	}

	rate := decimal.NewFromBigInt(answer, -scale)
	c.logger.Debug().Str("rate", rate.String()).Time("updated_at", observed).Msg("rate fetched")
	return Quote{Rate: rate, Source: "chain", ObservedAt: observed}, nil
}

func (c *ChainFetcher) feedDecimals(ctx context.Context, caller contractCaller, addr common.Address) (int32, error) {
	c.clientMux.Lock()
	cached := c.decimals
	c.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	scale := int32(d)
	c.clientMux.Lock()
	c.decimals = &scale
	c.clientMux.Unlock()
	return scale, nil
}

func call(ctx context.Context, caller contractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *ChainFetcher) getCaller(ctx context.Context) (contractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ Fetcher = (*ChainFetcher)(nil)
