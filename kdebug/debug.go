// Package kdebug carries invariant assertions, grounded on the teacher's
// cmn/debug package: an Assert gated by a runtime switch (Enable) that
// panics while enabled and is a no-op otherwise. The switch is off by
// default, and the kernel packages do not call these assertions.
package kdebug

var enabled = false

// Enable turns on panicking assertions. Nothing in the kernel calls it.
func Enable(on bool) { enabled = on }

func Enabled() bool { return enabled }

// Assert panics with msg if cond is false and debug assertions are enabled.
func Assert(cond bool, msg string) {
	if enabled && !cond {
		panic("kdebug: assertion failed: " + msg)
	}
}

// AssertNoErr panics with err's message if err != nil and debug assertions
// are enabled.
func AssertNoErr(err error) {
	if enabled && err != nil {
		panic("kdebug: invariant violation: " + err.Error())
	}
}
