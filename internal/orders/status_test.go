package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusShipped, false},
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusPending, false},
		{StatusProcessing, StatusShipped, true},
		{StatusProcessing, StatusDelivered, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusPending, false},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusProcessing, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusCancelled, false},
		{Status("BOGUS"), StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("SHIPPED")
	require.NoError(t, err)
	require.Equal(t, StatusShipped, st)

	_, err = ParseStatus("shipped")
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusDelivered.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusShipped.Terminal())
}
