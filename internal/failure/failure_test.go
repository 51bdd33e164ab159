package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"configuration", Configf("port %d not exposed", 8545), "configuration"},
		{"invariant", Invariantf("height did not advance"), "invariant"},
		{"transient", Transient(errors.New("connection refused")), "transient"},
		{"wrapped invariant", fmt.Errorf("post-stop check: %w", Invariantf("halt expected")), "invariant"},
		{"plain", errors.New("boom"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Transient(cause)
	if !errors.Is(err, cause) {
		t.Error("Transient should keep the cause in the chain")
	}
	if Transient(err) != err {
		t.Error("Transient should not double-wrap")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestConfigfMessage(t *testing.T) {
	err := Configf("node %d has no testable endpoint", 3)
	want := "configuration error: node 3 has no testable endpoint"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
