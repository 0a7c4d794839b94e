// Package progress defines the build/push observer event model. Progress
// reporting is purely informational: a nil Observer (the default) makes
// every operation a no-op, and no build or push outcome depends on it.
package progress

// EventKind names the stage an Event reports on.
type EventKind string

const (
	KindPullLayerStart   EventKind = "pull_layer_start"
	KindPullLayerDone    EventKind = "pull_layer_done"
	KindPushLayerStart   EventKind = "push_layer_start"
	KindPushLayerSkipped EventKind = "push_layer_skipped"
	KindPushManifest     EventKind = "push_manifest"
	KindBuildDone        EventKind = "build_done"
)

// Event is one progress notification. Digest and Detail are populated
// according to Kind; fields not relevant to a given Kind are left zero.
type Event struct {
	Kind   EventKind
	Digest string
	Detail string
}

// Observer receives progress events during Build and Push. Implementations
// must not block significantly: they are called synchronously from the
// build/push pipeline.
type Observer interface {
	Notify(Event)
}

// Func adapts a plain function to the Observer interface.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Nop is an Observer that discards every event.
var Nop Observer = Func(func(Event) {})

// Or returns o if it is non-nil, else Nop — callers can unconditionally
// call the result's Notify without a nil check.
func Or(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}
