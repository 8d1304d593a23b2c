package chainadapter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/claim"
	"github.com/agentfabric/agent-fabric/internal/config"
)

// registryABI is the channel registry surface the adapter needs: redeem a
// signed claim, read a channel.
const registryABI = `[
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
    {"name":"owner","type":"bytes32"},
    {"name":"amount","type":"uint256"},
    {"name":"nonce","type":"uint64"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"channels","stateMutability":"view","inputs":[
    {"name":"owner","type":"bytes32"}],"outputs":[
    {"name":"deposit","type":"uint256"},
    {"name":"redeemed","type":"uint256"},
    {"name":"nonce","type":"uint64"}]}
]`

// EVM settles claims against a payment-channel registry contract.
type EVM struct {
	tag      string
	eth      *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	log      *zap.Logger
}

func NewEVM(tag string, cfg config.SettlementInfraConfig, log *zap.Logger) (*EVM, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	addr := common.HexToAddress(cfg.RegistryAddress)
	return &EVM{
		tag:      tag,
		eth:      eth,
		contract: bind.NewBoundContract(addr, parsed, eth, eth, eth),
		key:      key,
		chainID:  big.NewInt(cfg.ChainID),
		log:      log,
	}, nil
}

func (e *EVM) ChainTag() string { return e.tag }

// SubmitClaim redeems the claim on the registry. A claim whose nonce the
// contract has already seen reports StatusAlreadyApplied so retries stay
// idempotent.
func (e *EVM) SubmitClaim(ctx context.Context, c claim.Claim) (SubmitStatus, error) {
	state, err := e.CurrentChannelState(ctx, c.ChannelOwner)
	if err != nil {
		return StatusChainError, err
	}
	if c.Nonce <= state.Nonce {
		return StatusAlreadyApplied, nil
	}

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return StatusChainError, fmt.Errorf("build tx opts: %w", err)
	}
	opts.Context = ctx

	tx, err := e.contract.Transact(opts, "redeem",
		c.ChannelOwner, c.Amount, c.Nonce, c.Signature)
	if err != nil {
		return StatusChainError, fmt.Errorf("redeem tx: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, e.eth, tx)
	if err != nil {
		return StatusChainError, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return StatusChainError, fmt.Errorf("redeem reverted: %s", tx.Hash().Hex())
	}
	e.log.Info("claim redeemed",
		zap.String("chain", e.tag),
		zap.Uint64("nonce", c.Nonce),
		zap.String("tx", tx.Hash().Hex()))
	return StatusOK, nil
}

func (e *EVM) CurrentChannelState(ctx context.Context, channelOwner [32]byte) (ChannelState, error) {
	var out []interface{}
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "channels", channelOwner)
	if err != nil {
		return ChannelState{}, fmt.Errorf("read channel: %w", err)
	}
	if len(out) != 3 {
		return ChannelState{}, fmt.Errorf("read channel: %d outputs", len(out))
	}
	return ChannelState{
		Deposit:  out[0].(*big.Int),
		Redeemed: out[1].(*big.Int),
		Nonce:    out[2].(uint64),
	}, nil
}

func (e *EVM) Health(ctx context.Context) bool {
	_, err := e.eth.BlockNumber(ctx)
	return err == nil
}
