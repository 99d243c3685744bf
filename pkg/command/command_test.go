package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

const commandTestPrefix = "command:command_test"

func TestFail_EmptyMessageKeepsInvariant(t *testing.T) {
	r := Fail("")
	if r.Success {
		t.Fatalf("%s - expected Success=false", commandTestPrefix)
	}
	if r.Error == "" {
		t.Errorf("%s - failed result must carry an error", commandTestPrefix)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		in          *Result
		wantSuccess bool
		wantError   bool
	}{
		{"nil result", nil, false, true},
		{"failed without error", &Result{Success: false}, false, true},
		{"success with stray error", &Result{Success: true, Error: "stale"}, true, false},
		{"success", OK("x"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.Success != tt.wantSuccess {
				t.Errorf("%s - Success = %v, want %v", commandTestPrefix, got.Success, tt.wantSuccess)
			}
			if (got.Error != "") != tt.wantError {
				t.Errorf("%s - Error = %q, wantError %v", commandTestPrefix, got.Error, tt.wantError)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := ParseParams(nil)
	if err != nil || len(params) != 0 {
		t.Fatalf("%s - empty input: params=%v err=%v", commandTestPrefix, params, err)
	}

	params, err = ParseParams([]byte(`{"text":"hi","count":2}`))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", commandTestPrefix, err)
	}
	if params["text"] != "hi" {
		t.Errorf("%s - text = %v, want hi", commandTestPrefix, params["text"])
	}

	_, err = ParseParams([]byte(`[1,2]`))
	if CodeOf(err) != CodeInvalidArgument {
		t.Errorf("%s - array params: code = %q, want %q", commandTestPrefix, CodeOf(err), CodeInvalidArgument)
	}

	params, err = ParseParams([]byte(`null`))
	if err != nil || params == nil {
		t.Errorf("%s - null params should yield empty map, got %v, %v", commandTestPrefix, params, err)
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Failure(CodeTimeout, "no response"))
	if !IsTimeout(err) {
		t.Errorf("%s - expected wrapped timeout to be detected", commandTestPrefix)
	}
	if IsUnauthorized(err) {
		t.Errorf("%s - timeout is not an authorization failure", commandTestPrefix)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Errorf("%s - plain errors carry no code", commandTestPrefix)
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	env := NewEnvelope(&Command{ID: "c-1", Action: "ping", Params: map[string]any{"a": 1.0}})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("%s - marshal: %v", commandTestPrefix, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("%s - unmarshal: %v", commandTestPrefix, err)
	}
	if decoded["type"] != "command" || decoded["id"] != "c-1" || decoded["action"] != "ping" {
		t.Errorf("%s - unexpected envelope %v", commandTestPrefix, decoded)
	}
}

func TestResponse_FromFailedResult(t *testing.T) {
	resp := NewResponse("c-2", &Result{Success: false})
	if resp.ID != "c-2" || resp.Success || resp.Error == "" {
		t.Errorf("%s - unexpected response %+v", commandTestPrefix, resp)
	}
	if r := resp.Result(); r.Success || r.Error != resp.Error {
		t.Errorf("%s - round trip lost failure: %+v", commandTestPrefix, r)
	}
}
