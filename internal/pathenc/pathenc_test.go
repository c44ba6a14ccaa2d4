package pathenc

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestEncodeKnownCase(t *testing.T) {
	assert.Equal(t, "a%SLASH%b", Encode("a/b"))
}

func TestRoundTrip(t *testing.T) {
	f := func(s string) bool {
		return Decode(Encode(s)) == s
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
