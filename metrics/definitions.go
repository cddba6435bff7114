package metrics

// Kind distinguishes monotonic counters from gauges.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Definition declares a metric. Labels are the ordered label names every recording must supply.
type Definition struct {
	Name   string
	Help   string
	Labels []string
	Kind   Kind
}

// UserSignupsTotal counts user signups by plan and referral channel.
const UserSignupsTotal = "user_signups_total"

// DefaultDefinitions are declared by New on every registry.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:   UserSignupsTotal,
			Help:   "Total number of user signups",
			Labels: []string{"plan_type", "referral_source"},
			Kind:   KindCounter,
		},
	}
}
