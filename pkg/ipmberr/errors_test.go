package ipmberr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/stretchr/testify/assert"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := ipmberr.New(ipmberr.KindTimeout, "join deadline exceeded")
	assert.Equal(t, ipmberr.KindTimeout, ipmberr.Of(err))
	assert.True(t, ipmberr.Is(err, ipmberr.KindTimeout))
	assert.False(t, ipmberr.Is(err, ipmberr.KindDecode))
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("econnrefused")
	err := ipmberr.Wrap(ipmberr.KindIdentifierNotInUse, "look_up", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "econnrefused")
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := ipmberr.New(ipmberr.KindTokenMismatch, "a")
	b := ipmberr.New(ipmberr.KindTokenMismatch, "b")
	assert.True(t, errors.Is(a, b))
}

func TestOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, ipmberr.KindUnknown, ipmberr.Of(fmt.Errorf("plain")))
}
