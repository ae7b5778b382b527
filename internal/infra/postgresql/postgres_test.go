package postgresql

import (
	"testing"
	"time"
)

func TestPoolConfigWithDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   PoolConfig
		want PoolConfig
	}{
		{
			name: "zero values",
			in:   PoolConfig{},
			want: PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: time.Hour},
		},
		{
			name: "custom values",
			in:   PoolConfig{MaxOpenConns: 8, MaxIdleConns: 2, ConnMaxLifetime: time.Minute},
			want: PoolConfig{MaxOpenConns: 8, MaxIdleConns: 2, ConnMaxLifetime: time.Minute},
		},
		{
			name: "idle capped by open",
			in:   PoolConfig{MaxOpenConns: 3, MaxIdleConns: 10},
			want: PoolConfig{MaxOpenConns: 3, MaxIdleConns: 3, ConnMaxLifetime: time.Hour},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
