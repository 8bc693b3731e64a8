package target

import (
	"strings"
	"testing"
)

func stdioTarget(id string) Target {
	return Target{ID: id, Type: TransportStdio, Enabled: true, Command: "/usr/bin/server"}
}

func TestValidate_StdioRequiresCommand(t *testing.T) {
	tgt := Target{ID: "fs", Type: TransportStdio}
	if err := tgt.Validate(); err == nil {
		t.Error("expected error for stdio target without command")
	}
}

func TestValidate_StdioRejectsURL(t *testing.T) {
	tgt := stdioTarget("fs")
	tgt.URL = "http://localhost:3000"
	if err := tgt.Validate(); err == nil {
		t.Error("expected error for stdio target with url")
	}
}

func TestValidate_HTTPRequiresURL(t *testing.T) {
	tgt := Target{ID: "remote", Type: TransportRPCHTTP}
	if err := tgt.Validate(); err == nil {
		t.Error("expected error for rpc-http target without url")
	}
}

func TestValidate_SSETargetOK(t *testing.T) {
	tgt := Target{ID: "agent1", Kind: KindAgent, Type: TransportRPCSSE, URL: "https://example.com/a2a"}
	if err := tgt.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownTransportRejected(t *testing.T) {
	tgt := Target{ID: "x", Type: "websocket", URL: "http://example.com"}
	if err := tgt.Validate(); err == nil {
		t.Error("expected error for unknown transport type")
	}
}

func TestValidateSet_DuplicateIDs(t *testing.T) {
	err := ValidateSet([]Target{stdioTarget("a"), stdioTarget("a")})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate id error, got %v", err)
	}
}

func TestValidateSet_OK(t *testing.T) {
	set := []Target{
		stdioTarget("a"),
		{ID: "b", Type: TransportRPCHTTP, URL: "http://localhost:9000/mcp"},
	}
	if err := ValidateSet(set); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
