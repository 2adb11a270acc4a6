package deploy

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/web3/provider"
)

// SignerFunc 为指定网络构造交易签名器。凭据管理在进程装配时完成。
type SignerFunc func(network string) (*bind.TransactOpts, error)

// ChainSubmitter 通过网络注册表把合约提交到真实链上。
type ChainSubmitter struct {
	registry *provider.Registry
	signer   SignerFunc
}

// NewChainSubmitter 构造链上提交器。
func NewChainSubmitter(registry *provider.Registry, signer SignerFunc) *ChainSubmitter {
	return &ChainSubmitter{registry: registry, signer: signer}
}

// Submit 实现 Submitter。所有失败都落在返回的 Outcome 上，不向上抛错，
// 以免单个合约的失败波及同批其他合约。
func (s *ChainSubmitter) Submit(ctx context.Context, contract CompiledContract, network string) Outcome {
	outcome := Outcome{ContractName: contract.Name, Status: OutcomeFailed}

	if s == nil || s.registry == nil || s.signer == nil {
		outcome.Error = xerrors.New(xerrors.CodeInitializationFailure, "链上提交器未初始化").Error()
		return outcome
	}

	client, ok := s.registry.Client(network)
	if !ok {
		outcome.Error = xerrors.New(xerrors.CodeInvalidArgument, "目标网络 "+network+" 未配置").Error()
		return outcome
	}

	auth, err := s.signer(network)
	if err != nil {
		outcome.Error = xerrors.Wrap(CodeChainSubmission, err, "构造交易签名器失败").Error()
		return outcome
	}

	bytecode, err := decodeBytecode(contract.Bytecode)
	if err != nil {
		outcome.Error = xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析合约字节码失败").Error()
		return outcome
	}

	result, err := client.DeployContract(ctx, auth, contract.ABI, bytecode)
	if err != nil {
		outcome.Error = xerrors.Wrap(CodeChainSubmission, err, "提交合约失败").Error()
		return outcome
	}
	outcome.Address = result.ContractAddress.Hex()
	if result.Transaction != nil {
		outcome.TxHash = result.Transaction.Hash().Hex()

		receipt, err := client.WaitMined(ctx, result.Transaction)
		if err != nil {
			outcome.Error = xerrors.Wrap(CodeChainSubmission, err, "等待交易回执失败").Error()
			return outcome
		}
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
		outcome.GasUsed = receipt.GasUsed
	}

	outcome.Status = OutcomeSuccess
	outcome.Error = ""
	return outcome
}

func decodeBytecode(bytecode string) ([]byte, error) {
	trimmed := strings.TrimSpace(bytecode)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	return hex.DecodeString(trimmed)
}

var _ Submitter = (*ChainSubmitter)(nil)
