package blob

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", fmt.Errorf("op: %w", &types.NoSuchKey{}), true},
		{"head not found", &types.NotFound{}, true},
		{"generic api code", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.want {
				t.Fatalf("isNotFound = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBackoffDelayGrows(t *testing.T) {
	s := &S3{RetryBaseDelay: 100 * time.Millisecond}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := s.backoffDelay(attempt)
		base := s.RetryBaseDelay << (attempt - 1)
		if d < base-base/20 || d > base+base/10 {
			t.Fatalf("attempt %d: delay %v outside jitter window of %v", attempt, d, base)
		}
		if d <= prev {
			t.Fatalf("attempt %d: delay %v did not grow from %v", attempt, d, prev)
		}
		prev = d
	}
}
