package accel

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCheck(t *testing.T) {
	if err := Check("op", StatusSuccess); err != nil {
		t.Errorf("Expected nil for success, got %v", err)
	}

	err := Check("cudaLikeCall", StatusBadParam)
	if err == nil {
		t.Fatal("Expected error for BAD_PARAM")
	}
	if err.Error() != "cudaLikeCall: BAD_PARAM" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	wrapped := errors.Wrap(err, "reshape conv1")
	if StatusOf(wrapped) != StatusBadParam {
		t.Errorf("Expected BAD_PARAM through wrap, got %v", StatusOf(wrapped))
	}
	if StatusOf(errors.New("other")) != StatusInternalError {
		t.Error("Expected INTERNAL_ERROR for foreign errors")
	}
	if StatusOf(nil) != StatusSuccess {
		t.Error("Expected SUCCESS for nil")
	}

	detailed := Errorf("forward", StatusNotSupported, "algo %d", 7)
	if detailed.Error() != "forward: NOT_SUPPORTED (algo 7)" {
		t.Errorf("Unexpected message %q", detailed.Error())
	}
	if Status(42).String() != "STATUS_42" {
		t.Errorf("Unexpected unknown status string %q", Status(42).String())
	}
}

func TestConvOutputDim(t *testing.T) {
	tests := []struct {
		in, pad, kernel, stride, want int
	}{
		{5, 0, 3, 1, 3},
		{5, 1, 3, 1, 5},
		{7, 1, 3, 2, 4},
		{4, 0, 2, 2, 2},
	}
	for _, tt := range tests {
		if got := ConvOutputDim(tt.in, tt.pad, tt.kernel, tt.stride); got != tt.want {
			t.Errorf("ConvOutputDim(%d, %d, %d, %d) = %d; expected %d",
				tt.in, tt.pad, tt.kernel, tt.stride, got, tt.want)
		}
	}
}
