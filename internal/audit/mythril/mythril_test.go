package mythril

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ChainForge/internal/audit"
)

func TestNormalizeBytecode(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"0x6080604052", "6080604052"},
		{"0X6080604052", "6080604052"},
		{"  6080604052\n", "6080604052"},
		{"", ""},
		{"  0x  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeBytecode(tc.input); got != tc.want {
			t.Fatalf("NormalizeBytecode(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestParseJSON(t *testing.T) {
	raw := []byte(`{
		"error": null,
		"issues": [
			{
				"title": "Integer Arithmetic Bugs",
				"description": "The arithmetic operator can overflow.",
				"severity": "High",
				"swc-id": "101",
				"address": 722,
				"function": "transfer(address,uint256)"
			},
			{
				"title": "Unprotected Selfdestruct",
				"description": "Any sender can cause the contract to self-destruct.",
				"severity": "Medium",
				"swc-id": "106",
				"address": 0,
				"function": ""
			}
		]
	}`)

	findings, err := parseJSON(raw)
	if err != nil {
		t.Fatalf("解析输出失败: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}

	first := findings[0]
	if first.Severity != audit.SeverityCritical {
		t.Fatalf("high should map to critical, got %s", first.Severity)
	}
	if first.SWCID != "101" || first.Location.Function != "transfer(address,uint256)" {
		t.Fatalf("unexpected finding: %+v", first)
	}
	if first.Location.Address != "0x2d2" {
		t.Fatalf("unexpected address: %s", first.Location.Address)
	}

	second := findings[1]
	if second.Severity != audit.SeverityMedium {
		t.Fatalf("unexpected severity: %s", second.Severity)
	}
	if second.Location.Address != "" {
		t.Fatalf("zero address should stay empty, got %s", second.Location.Address)
	}
}

func TestParseJSONErrors(t *testing.T) {
	if _, err := parseJSON(nil); err == nil {
		t.Fatalf("expected error on empty output")
	}
	if _, err := parseJSON([]byte("==== not json ====")); err == nil {
		t.Fatalf("expected error on text output")
	}
	errMsg := "Solc compile error"
	raw := []byte(`{"error": "` + errMsg + `", "issues": []}`)
	if _, err := parseJSON(raw); err == nil {
		t.Fatalf("expected error when tool reports failure")
	}
}

func TestScanText(t *testing.T) {
	output := `==== Integer Arithmetic Bugs ====
Severity: High
SWC ID: 101
The arithmetic operator can overflow.
==== Dependence on tx.origin ====
Severity: Low
SWC ID: 115
Use of tx.origin as a part of authorization control.
`
	findings := scanText(output)
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	first := findings[0]
	if first.Title != "Integer Arithmetic Bugs" {
		t.Fatalf("unexpected title: %q", first.Title)
	}
	if first.Severity != audit.SeverityCritical || first.SWCID != "101" {
		t.Fatalf("unexpected finding: %+v", first)
	}
	if first.Description != "The arithmetic operator can overflow." {
		t.Fatalf("unexpected description: %q", first.Description)
	}
	if findings[1].Severity != audit.SeverityLow || findings[1].SWCID != "115" {
		t.Fatalf("unexpected finding: %+v", findings[1])
	}
}

func TestScanTextNoSections(t *testing.T) {
	if findings := scanText("The analysis was completed successfully. No issues were detected."); len(findings) != 0 {
		t.Fatalf("expected no findings, got %d", len(findings))
	}
}

func TestMapSeverity(t *testing.T) {
	cases := []struct {
		input string
		want  audit.Severity
	}{
		{"Critical", audit.SeverityCritical},
		{"High", audit.SeverityCritical},
		{"Medium", audit.SeverityMedium},
		{"Low", audit.SeverityLow},
		{"Unknown", audit.SeverityInfo},
		{"", audit.SeverityInfo},
	}
	for _, tc := range cases {
		if got := mapSeverity(tc.input); got != tc.want {
			t.Fatalf("mapSeverity(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestAnalyzeUnparseableOutputIsError(t *testing.T) {
	dir := t.TempDir()

	// 替身脚本正常退出，但输出既不是 JSON 也没有文本段落标记。
	stub := filepath.Join(dir, "myth-stub")
	script := "#!/bin/sh\necho 'mythril booting up, no issues section emitted'\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("写入替身脚本失败: %v", err)
	}

	analyzer := New(stub)
	report := analyzer.Analyze(context.Background(), audit.Input{Bytecode: "0x6080604052"})

	if report.Status.State != audit.ToolError {
		t.Fatalf("unparseable output should degrade the tool, got state %s", report.Status.State)
	}
	if !strings.Contains(report.Status.Detail, "解析") {
		t.Fatalf("detail should mention the parse failure: %s", report.Status.Detail)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %d", len(report.Findings))
	}
}
