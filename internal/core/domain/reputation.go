package domain

import "time"

// ReputationEvent is an event that affects the reputation of a peer.
type ReputationEvent int

const (
	ReputationManualBan ReputationEvent = iota
	ReputationManualUnban
	ReputationPacketTimeout
	ReputationWireProtocolErr
	ReputationInvalidAuth
	ReputationSwapSuccess
	// ReputationSwapFailure is recorded when an accepted swap fails.
	ReputationSwapFailure
	// ReputationSwapTimeout is recorded when a swap exceeds its time limits.
	ReputationSwapTimeout
	// ReputationSwapMisbehavior is recorded when a swap fails because of
	// unexpected or possibly malicious behavior.
	ReputationSwapMisbehavior
)

var reputationEventWeight = map[ReputationEvent]int64{
	ReputationManualBan:       0,
	ReputationManualUnban:     0,
	ReputationPacketTimeout:   -1,
	ReputationWireProtocolErr: -5,
	ReputationInvalidAuth:     -20,
	ReputationSwapSuccess:     1,
	ReputationSwapFailure:     -10,
	ReputationSwapTimeout:     -15,
	ReputationSwapMisbehavior: -20,
}

func (e ReputationEvent) String() string {
	switch e {
	case ReputationManualBan:
		return "ManualBan"
	case ReputationManualUnban:
		return "ManualUnban"
	case ReputationPacketTimeout:
		return "PacketTimeout"
	case ReputationWireProtocolErr:
		return "WireProtocolErr"
	case ReputationInvalidAuth:
		return "InvalidAuth"
	case ReputationSwapSuccess:
		return "SwapSuccess"
	case ReputationSwapFailure:
		return "SwapFailure"
	case ReputationSwapTimeout:
		return "SwapTimeout"
	case ReputationSwapMisbehavior:
		return "SwapMisbehavior"
	default:
		return "UnknownEvent"
	}
}

// Weight returns the contribution of the event to a peer score.
func (e ReputationEvent) Weight() int64 {
	return reputationEventWeight[e]
}

// IsManual returns whether the event is an operator ban or unban.
func (e ReputationEvent) IsManual() bool {
	return e == ReputationManualBan || e == ReputationManualUnban
}

// ReputationEventRecord is an event with the time it was recorded.
type ReputationEventRecord struct {
	Event     ReputationEvent
	Timestamp time.Time
}

// BanPolicy defines when automatic scoring bans a peer.
type BanPolicy struct {
	// Threshold is the absolute value of the negative score, accumulated
	// within Window, at which a peer gets banned.
	Threshold int64
	Window    time.Duration
}

// ReputationRecord holds the recent reputation events of a peer. Score and
// ban status are always derived from the events, never stored.
type ReputationRecord struct {
	PeerPubKey string
	Events     []ReputationEventRecord
}

// NewReputationRecord returns an empty record for the given peer.
func NewReputationRecord(peerPubKey string) *ReputationRecord {
	return &ReputationRecord{
		PeerPubKey: peerPubKey,
		Events:     make([]ReputationEventRecord, 0),
	}
}

// AddEvent appends the event and evicts the oldest ones once maxEvents is
// exceeded. The most recent manual event is never evicted so that an
// operator ban can't be silently dropped by a stream of automatic events.
func (r *ReputationRecord) AddEvent(
	event ReputationEvent, timestamp time.Time, maxEvents int,
) {
	r.Events = append(r.Events, ReputationEventRecord{event, timestamp})
	if maxEvents <= 0 {
		return
	}

	for len(r.Events) > maxEvents {
		pinned := r.lastManualEventIndex()
		evict := 0
		if evict == pinned {
			evict = 1
		}
		if evict >= len(r.Events) {
			return
		}
		r.Events = append(r.Events[:evict], r.Events[evict+1:]...)
	}
}

// Score returns the sum of the weights of all retained events.
func (r *ReputationRecord) Score() int64 {
	var score int64
	for _, e := range r.Events {
		score += e.Event.Weight()
	}
	return score
}

// IsManuallyBanned returns whether the latest manual event is a ban.
func (r *ReputationRecord) IsManuallyBanned() bool {
	i := r.lastManualEventIndex()
	return i >= 0 && r.Events[i].Event == ReputationManualBan
}

// IsBanned returns whether the peer is banned at the given time. A manual ban
// or unban overrides automatic scoring, otherwise a peer is banned when the
// negative events recorded within the policy window reach the threshold.
func (r *ReputationRecord) IsBanned(now time.Time, policy BanPolicy) bool {
	if i := r.lastManualEventIndex(); i >= 0 {
		return r.Events[i].Event == ReputationManualBan
	}
	if policy.Threshold <= 0 {
		return false
	}

	var negative int64
	for _, e := range r.Events {
		if policy.Window > 0 && now.Sub(e.Timestamp) > policy.Window {
			continue
		}
		if w := e.Event.Weight(); w < 0 {
			negative += w
		}
	}
	return -negative >= policy.Threshold
}

func (r *ReputationRecord) lastManualEventIndex() int {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Event.IsManual() {
			return i
		}
	}
	return -1
}
