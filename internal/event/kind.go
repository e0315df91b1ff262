package event

// Kind tags every event carried by the bus. Subscriptions are keyed by Kind.
type Kind uint8

const (
	KindPriceTick Kind = iota + 1
	KindTimestampTick
	KindMarketObservation
	KindSpreadObservation
	KindUnknownLine
	KindDroppedTick
	KindStaleSpread
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindPriceTick:
		return "price_tick"
	case KindTimestampTick:
		return "timestamp_tick"
	case KindMarketObservation:
		return "market_observation"
	case KindSpreadObservation:
		return "spread_observation"
	case KindUnknownLine:
		return "unknown_line"
	case KindDroppedTick:
		return "dropped_tick"
	case KindStaleSpread:
		return "stale_spread"
	case KindParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// TickKind identifies the raw feed field a tick was reported under.
// Only the values below are recognized; anything else is rejected at the
// adapter boundary.
type TickKind uint16

const (
	TickLast                 TickKind = 4
	TickLastTimestamp        TickKind = 45
	TickDelayedLast          TickKind = 68
	TickDelayedLastTimestamp TickKind = 88
)

var (
	priceTickKinds     = [...]TickKind{TickLast, TickDelayedLast}
	timestampTickKinds = [...]TickKind{TickLastTimestamp, TickDelayedLastTimestamp}
)

// IsPrice reports whether k is one of the recognized price tick kinds.
func (k TickKind) IsPrice() bool {
	for _, pk := range priceTickKinds {
		if k == pk {
			return true
		}
	}
	return false
}

// IsTimestamp reports whether k is one of the recognized timestamp tick kinds.
func (k TickKind) IsTimestamp() bool {
	for _, tk := range timestampTickKinds {
		if k == tk {
			return true
		}
	}
	return false
}

func (k TickKind) Recognized() bool {
	return k.IsPrice() || k.IsTimestamp()
}

func (k TickKind) String() string {
	switch k {
	case TickLast:
		return "last"
	case TickLastTimestamp:
		return "last_timestamp"
	case TickDelayedLast:
		return "delayed_last"
	case TickDelayedLastTimestamp:
		return "delayed_last_timestamp"
	default:
		return "unrecognized"
	}
}

// Stream names one of the two per-line queues.
type Stream uint8

const (
	StreamPrice Stream = iota + 1
	StreamTimestamp
)

func (s Stream) String() string {
	switch s {
	case StreamPrice:
		return "price"
	case StreamTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}
