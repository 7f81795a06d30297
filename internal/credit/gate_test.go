package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		balance int
		want    Decision
	}{
		{5, Admitted},
		{1, Admitted},
		{0, Denied},
		{-1, Denied},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Check(tt.balance), "balance %d", tt.balance)
	}
}
