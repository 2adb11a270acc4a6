package testrunner

import (
	"context"
	"testing"

	xerrors "ChainForge/internal/errors"
)

func TestParseReport(t *testing.T) {
	raw := []byte(`{
		"tests": [
			{"name": "transfer moves balance", "status": "passed"},
			{"name": "transfer reverts without funds", "status": "PASS"},
			{"name": "mint requires owner", "status": "failed", "error": "expected revert"}
		]
	}`)

	result, err := ParseReport(raw)
	if err != nil {
		t.Fatalf("解析报告失败: %v", err)
	}
	if result.Total != 3 || result.Passed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(result.Cases) != 3 {
		t.Fatalf("expected 3 cases, got %d", len(result.Cases))
	}
	if result.Cases[2].Error != "expected revert" {
		t.Fatalf("failure detail lost: %+v", result.Cases[2])
	}
}

func TestParseReportErrors(t *testing.T) {
	if _, err := ParseReport([]byte("PASS transfer")); err == nil {
		t.Fatalf("expected error on text output")
	}
	// 空报告视为解析失败，避免把没跑任何用例当成通过。
	if _, err := ParseReport([]byte(`{"tests": []}`)); err == nil {
		t.Fatalf("expected error on empty report")
	}
}

func TestScanText(t *testing.T) {
	output := `Compiling Token.sol
PASS transfer moves balance (12ms)
ok   suite/approval 0.3s
FAIL mint requires owner
  expected revert, got success
`
	result := scanText(output)
	if result.Total != 3 || result.Passed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(result.Cases) != 1 || result.Cases[0].Status != "failed" {
		t.Fatalf("failed case not recorded: %+v", result.Cases)
	}
}

func TestScanTextNoMarkers(t *testing.T) {
	result := scanText("nothing useful here")
	if result.Total != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestRunMissingBinary(t *testing.T) {
	runner := NewCommandRunner("")
	if _, err := runner.Run(context.Background(), "Token", "contract Token {}"); xerrors.CodeOf(err) != CodeRunnerUnavailable {
		t.Fatalf("expected runner unavailable, got %v", err)
	}

	runner = NewCommandRunner("definitely-not-a-test-runner")
	if _, err := runner.Run(context.Background(), "Token", "contract Token {}"); xerrors.CodeOf(err) != CodeRunnerUnavailable {
		t.Fatalf("expected runner unavailable, got %v", err)
	}
}
