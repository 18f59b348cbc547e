package query

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBuildTradeQuery(t *testing.T) {
	acct := "0x00000000000000000000000000000000000000b1"

	tests := []struct {
		name      string
		filter    TradeFilter
		wantWhere string
		wantArgs  []interface{}
	}{
		{
			name:     "no filter uses default limit",
			filter:   TradeFilter{},
			wantArgs: []interface{}{defaultListLimit},
		},
		{
			name:      "account matches either side",
			filter:    TradeFilter{Account: acct, Limit: 5},
			wantWhere: " WHERE (buyer = $1 OR seller = $1)",
			wantArgs:  []interface{}{common.HexToAddress(acct).Hex(), 5},
		},
		{
			name:      "status and cursor",
			filter:    TradeFilter{Status: "settled", BeforeSequence: 40, Limit: 10_000},
			wantWhere: " WHERE status = $1 AND sequence < $2",
			wantArgs:  []interface{}{"settled", int64(40), maxListLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := buildTradeQuery(tt.filter)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := "SELECT computation_id, buyer, seller, price, size, value, status, timestamp, sequence FROM projections.trades" +
				tt.wantWhere + " ORDER BY sequence DESC LIMIT $" + string(rune('0'+len(tt.wantArgs)))
			if query != want {
				t.Errorf("query:\n got %s\nwant %s", query, want)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("got %d args, want %d", len(args), len(tt.wantArgs))
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("arg %d: got %v, want %v", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestBuildTradeQuery_RejectsBadAccount(t *testing.T) {
	_, _, err := buildTradeQuery(TradeFilter{Account: "not-an-address"})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("got %v, want ErrInvalidQuery", err)
	}
}
