package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisputeStateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    DisputeState
		to      DisputeState
		want    DisputeState
		wantErr error
	}{
		{name: "created to formalized", from: DisputeStateCreated, to: DisputeStateFormalized, want: DisputeStateFormalized},
		{name: "formalized to won", from: DisputeStateFormalized, to: DisputeStateWon, want: DisputeStateWon},
		{name: "formalized to lost", from: DisputeStateFormalized, to: DisputeStateLost, want: DisputeStateLost},
		{name: "repeat formalized reported distinctly", from: DisputeStateFormalized, to: DisputeStateFormalized, wantErr: ErrDisputeAlreadyFormalized},
		{name: "won before formalized", from: DisputeStateCreated, to: DisputeStateWon, wantErr: ErrInvalidDisputeTransition},
		{name: "lost before formalized", from: DisputeStateCreated, to: DisputeStateLost, wantErr: ErrInvalidDisputeTransition},
		{name: "repeat won is fatal", from: DisputeStateWon, to: DisputeStateWon, wantErr: ErrInvalidDisputeTransition},
		{name: "lost after won is fatal", from: DisputeStateWon, to: DisputeStateLost, wantErr: ErrInvalidDisputeTransition},
		{name: "won after lost is fatal", from: DisputeStateLost, to: DisputeStateWon, wantErr: ErrInvalidDisputeTransition},
		{name: "reopening a lost dispute is fatal", from: DisputeStateLost, to: DisputeStateFormalized, wantErr: ErrInvalidDisputeTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Transition(tt.to)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, got, "state must not advance on rejected transition")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisputeStateIsTerminal(t *testing.T) {
	assert.False(t, DisputeStateCreated.IsTerminal())
	assert.False(t, DisputeStateFormalized.IsTerminal())
	assert.True(t, DisputeStateWon.IsTerminal())
	assert.True(t, DisputeStateLost.IsTerminal())
}
