package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSlot_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := AcquireSlot(ctx, nil, "k", "t", 1)
	require.Error(t, err)
}

func TestReleaseNilSlot(t *testing.T) {
	var s *Slot
	require.NoError(t, s.Release(context.Background()))
}
