package stream

import (
	"github.com/golang/glog"
)

// Logging convention in the `stream` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - snapshot fetch failures and exhausted failover candidates
//     - dropped frames (stale version, completed key, malformed payload)
//     - abnormal socket closes
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging
//     this includes:
//     - connect, reconnect, subscribe, unsubscribe with keys that can be used to filter
//     - per frame receive/dispatch

// runs a subscriber callback, suppressing and logging a panic so that
// one misbehaving subscriber cannot take down dispatch to the others
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s callback panic = %v\n", tag, r)
		}
	}()
	callback()
}
