package outpost

import (
	"errors"
	"fmt"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&s3types.NoSuchKey{}) {
		t.Error("NoSuchKey must classify as not found")
	}
	wrapped := fmt.Errorf("S3 get object failed: %w", &s3types.NoSuchKey{})
	if !IsNotFound(wrapped) {
		t.Error("wrapped NoSuchKey must classify as not found")
	}
	if IsNotFound(errors.New("access denied")) {
		t.Error("unrelated errors must not classify as not found")
	}
	if IsNotFound(nil) {
		t.Error("nil must not classify as not found")
	}
}
