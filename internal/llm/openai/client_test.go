package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainForge/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key missing")
	}

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: "https://example.com/v1/"})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	if client.baseURL != "https://example.com/v1" {
		t.Fatalf("base url not normalized: %s", client.baseURL)
	}
	if client.model != defaultModelName {
		t.Fatalf("unexpected default model: %s", client.model)
	}
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"contract_name":"Token","source_code":"pragma solidity ^0.8.0; contract Token {}","notes":"已启用 SafeMath"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Description:  "一个 ERC20 代币",
		ContractType: "erc20",
		Network:      "devnet",
	})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if resp.ContractName != "Token" {
		t.Fatalf("unexpected contract name: %s", resp.ContractName)
	}
	if !strings.Contains(resp.SourceCode, "contract Token") {
		t.Fatalf("unexpected source: %s", resp.SourceCode)
	}

	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected authorization header: %s", gotAuth)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Fatalf("unexpected model in payload: %v", gotBody["model"])
	}
	messages, ok := gotBody["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("unexpected messages payload: %v", gotBody["messages"])
	}
}

func TestGenerateStripsCodeFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		content := "```json\n{\"contract_name\":\"Vault\",\"source_code\":\"contract Vault {}\"}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{Description: "vault"})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if resp.ContractName != "Vault" {
		t.Fatalf("unexpected contract name: %s", resp.ContractName)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Description: "x"}); err == nil {
		t.Fatalf("expected error for http failure")
	}
}

func TestParseContent(t *testing.T) {
	if _, err := parseContent(`{"contract_name":"X","source_code":""}`); err == nil {
		t.Fatalf("expected error when source_code missing")
	}
	resp, err := parseContent(`{"source_code":"contract A {}"}`)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if resp.ContractName != "Generated" {
		t.Fatalf("missing name should fall back to Generated, got %s", resp.ContractName)
	}
}
