package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusCompleted, StatusFailed, StatusRefunded}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusCompleted}:  true,
		{StatusPending, StatusFailed}:     true,
		{StatusCompleted, StatusRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNewTransactionID(t *testing.T) {
	a, b := NewTransactionID(), NewTransactionID()
	assert.True(t, strings.HasPrefix(a, "RNT-"))
	assert.NotEqual(t, a, b)
}
