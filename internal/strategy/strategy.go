package strategy

import (
	"fmt"
	"strings"
)

type Strategy int

const (
	Eager Strategy = iota
	Lazy
	Adaptive
	MerkleBased
)

const numStrategies = 4

var All = []Strategy{Eager, Lazy, Adaptive, MerkleBased}

func (s Strategy) String() string {
	switch s {
	case Eager:
		return "eager"
	case Lazy:
		return "lazy"
	case Adaptive:
		return "adaptive"
	case MerkleBased:
		return "merkle"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (s Strategy) Valid() bool {
	return s >= Eager && s <= MerkleBased
}

func Parse(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "eager":
		return Eager, nil
	case "lazy":
		return Lazy, nil
	case "adaptive":
		return Adaptive, nil
	case "merkle", "merkle_based", "merklebased":
		return MerkleBased, nil
	default:
		return 0, fmt.Errorf("unknown sync strategy: %q", name)
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// NetworkConditions describe the link to one peer.
type NetworkConditions struct {
	LatencyMs  float64 `json:"latency_ms"`
	Bandwidth  float64 `json:"bandwidth"`
	PacketLoss float64 `json:"packet_loss"`
}

// Workload describes local write pressure.
type Workload struct {
	OpsPerSecond float64 `json:"ops_per_second"`
	ConflictRate float64 `json:"conflict_rate"`
	DataSize     float64 `json:"data_size"`
}
