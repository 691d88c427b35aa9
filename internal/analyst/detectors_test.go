package analyst

import (
	"testing"

	"perp-trader/pkg/types"
)

func entryOp(id string, action types.Action, sl *float64) types.AnalystOpinion {
	return types.AnalystOpinion{AnalystID: id, Action: action, Symbol: "BTCUSDT", Confidence: 70, SlPrice: sl}
}

func TestDetectEchoChamber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opinions []types.AnalystOpinion
		want     bool
	}{
		{
			name: "three of four long",
			opinions: []types.AnalystOpinion{
				entryOp("a", types.ActionBuy, nil),
				entryOp("b", types.ActionBuy, nil),
				entryOp("c", types.ActionBuy, nil),
				entryOp("d", types.ActionSell, nil),
			},
			want: true,
		},
		{
			name: "even split",
			opinions: []types.AnalystOpinion{
				entryOp("a", types.ActionBuy, nil),
				entryOp("b", types.ActionSell, nil),
			},
			want: false,
		},
		{
			name: "holds ignored",
			opinions: []types.AnalystOpinion{
				entryOp("a", types.ActionBuy, nil),
				{AnalystID: "b", Action: types.ActionHold},
				{AnalystID: "c", Action: types.ActionHold},
			},
			want: false, // single entry is no consensus
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, got := DetectEchoChamber(tt.opinions)
			if got != tt.want {
				t.Errorf("DetectEchoChamber = %v, want %v", got, tt.want)
			}
			// Pure: a second run over the same input agrees.
			_, again := DetectEchoChamber(tt.opinions)
			if again != got {
				t.Error("detector not re-runnable")
			}
		})
	}
}

func TestDetectStopCluster(t *testing.T) {
	t.Parallel()

	tight := []types.AnalystOpinion{
		entryOp("a", types.ActionBuy, fptr(62000)),
		entryOp("b", types.ActionBuy, fptr(62500)),
		entryOp("c", types.ActionSell, fptr(63000)),
	}
	if _, hit := DetectStopCluster(tight); !hit {
		t.Error("stops within 5% should be flagged")
	}

	wide := []types.AnalystOpinion{
		entryOp("a", types.ActionBuy, fptr(62000)),
		entryOp("b", types.ActionBuy, fptr(55000)),
	}
	if _, hit := DetectStopCluster(wide); hit {
		t.Error("stops 11% apart should not be flagged")
	}

	single := []types.AnalystOpinion{entryOp("a", types.ActionBuy, fptr(62000))}
	if _, hit := DetectStopCluster(single); hit {
		t.Error("one stop is never a cluster")
	}
}
