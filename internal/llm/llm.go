package llm

import "context"

// Request 描述一次合约生成请求。
type Request struct {
	Description  string
	ContractType string
	Network      string
}

// Response 是大模型生成的结构化输出。
type Response struct {
	ContractName string
	SourceCode   string
	Notes        string
}

// Client 定义了调用大模型生成合约源码的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
