package ble

import "time"

// Options configures connection supervision and write pacing.
type Options struct {
	ConnectTimeout    time.Duration // per attempt; doubled on the first attempt
	RetryDelay        time.Duration // backoff base, multiplied by the retry count
	MaxRetries        int           // one more is allowed until the address has connected once
	AdapterInitDelay  time.Duration // wait before retrying while the adapter powers on
	SettleDelay       time.Duration // pause between connect and service discovery
	LivenessInterval  time.Duration
	MaxIdle           time.Duration // no GATT activity for this long forces a disconnect
	DisconnectTimeout time.Duration // graceful disconnect deadline before force-close
	WriteTimeout      time.Duration // per write or per chunk
	InterChunkDelay   time.Duration
	PreferredMTU      int
	Notifications     bool // initial value of the notification switch
	QueueSize         int  // loop task buffer
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    2 * time.Second,
		RetryDelay:        1 * time.Second,
		MaxRetries:        2,
		AdapterInitDelay:  500 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		LivenessInterval:  5 * time.Second,
		MaxIdle:           20 * time.Second,
		DisconnectTimeout: 2 * time.Second,
		WriteTimeout:      5 * time.Second,
		InterChunkDelay:   50 * time.Millisecond,
		PreferredMTU:      247,
		Notifications:     true,
		QueueSize:         256,
	}
}

// withDefaults fills zero durations and sizes from DefaultOptions.
// Notifications and MaxRetries are taken as given.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&o.ConnectTimeout, d.ConnectTimeout)
	fill(&o.RetryDelay, d.RetryDelay)
	fill(&o.AdapterInitDelay, d.AdapterInitDelay)
	fill(&o.SettleDelay, d.SettleDelay)
	fill(&o.LivenessInterval, d.LivenessInterval)
	fill(&o.MaxIdle, d.MaxIdle)
	fill(&o.DisconnectTimeout, d.DisconnectTimeout)
	fill(&o.WriteTimeout, d.WriteTimeout)
	fill(&o.InterChunkDelay, d.InterChunkDelay)
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PreferredMTU <= 0 {
		o.PreferredMTU = d.PreferredMTU
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}
