package ping

import "time"

// srttAlpha weighs the previous smoothed RTT (RFC 793).
const srttAlpha = 0.875

// Stats summarizes the pings of one Pinger. Min, Max and SRTT only cover
// validated replies.
type Stats struct {
	Sent     int
	Received int
	Last     time.Duration
	Min      time.Duration
	Max      time.Duration
	// SRTT = α·SRTT + (1-α)·RTT, seeded with the first sample.
	SRTT time.Duration
}

func (s *Stats) observe(rtt time.Duration) {
	s.Last = rtt
	if s.Received == 0 {
		s.Min, s.Max, s.SRTT = rtt, rtt, rtt
	} else {
		s.Min = min(s.Min, rtt)
		s.Max = max(s.Max, rtt)
		s.SRTT = time.Duration(float64(s.SRTT)*srttAlpha + float64(rtt)*(1-srttAlpha))
	}
	s.Received++
}

// Loss is the fraction of requests without a validated reply.
func (s Stats) Loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Sent-s.Received) / float64(s.Sent)
}
