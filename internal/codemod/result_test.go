package codemod

import (
	"path/filepath"
	"testing"
)

func TestParseResult(t *testing.T) {
	res, err := ParseResult([]byte(`{
		"code": "success",
		"description": "upgraded 3 dependencies",
		"value": 30,
		"tags": ["deps"],
		"context": {"count": 3}
	}`))
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if res.Code != CodeSuccess {
		t.Errorf("Code = %q, want success", res.Code)
	}
	if res.Description != "upgraded 3 dependencies" {
		t.Errorf("Description = %q", res.Description)
	}
	if res.ValueOr(0) != 30 {
		t.Errorf("Value = %d, want 30", res.ValueOr(0))
	}
	if !res.HasTag("deps") {
		t.Error("expected deps tag")
	}
	if res.Context["count"].(float64) != 3 {
		t.Errorf("Context[count] = %v", res.Context["count"])
	}
}

func TestParseResultDefaultsCode(t *testing.T) {
	res, err := ParseResult([]byte(`{"description": "done"}`))
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if res.Code != CodeSuccess {
		t.Errorf("Code = %q, want success default", res.Code)
	}
	if !res.Success() {
		t.Error("expected Success()")
	}
}

func TestParseResultInvalid(t *testing.T) {
	if _, err := ParseResult([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed result")
	}
}

func TestResultNothingToDo(t *testing.T) {
	res := &Result{Code: CodeNothingToDo}
	if !res.Success() {
		t.Error("nothing-to-do should count as success")
	}
	if !res.NothingToDo() {
		t.Error("expected NothingToDo()")
	}
}

func TestResultRetryable(t *testing.T) {
	tr := true
	res := &Result{Code: "network-error", Transient: &tr}
	if !res.Retryable() {
		t.Error("transient failure should be retryable")
	}
	res.Transient = nil
	if res.Retryable() {
		t.Error("absent transient flag should not be retryable")
	}
}

func TestReadResultFileMissing(t *testing.T) {
	res, err := ReadResultFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("ReadResultFile: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for missing file, got %+v", res)
	}
}

func TestResultFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	suff := false
	in := &Result{
		Code:                  CodeSuccess,
		Description:           "partial",
		Stage:                 []string{"scan", "rewrite"},
		SufficientForProposal: &suff,
		Context:               map[string]any{"files": "main.go"},
	}
	if err := WriteResultFile(path, in); err != nil {
		t.Fatalf("WriteResultFile: %v", err)
	}
	out, err := ReadResultFile(path)
	if err != nil {
		t.Fatalf("ReadResultFile: %v", err)
	}
	if out.Description != "partial" || len(out.Stage) != 2 {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if out.SufficientForProposal == nil || *out.SufficientForProposal {
		t.Error("sufficient-for-proposal should survive as false")
	}
}

func TestResultString(t *testing.T) {
	res := &Result{Code: "apt-error", Description: "dependency conflict", Stage: []string{"install"}}
	got := res.String()
	want := "apt-error: dependency conflict (stage: install)"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
