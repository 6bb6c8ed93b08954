package anchor

// RefitHandler is told which fragment absorbed which others
type RefitHandler func(merged FragmentID, absorbed []FragmentID)

// Notifier fans events out to every subscriber, synchronously and in
// subscription order. Subscribe before the update loop starts.
type Notifier struct {
	onLoad  []func()
	onReset []func()
	onRefit []RefitHandler
}

// NewNotifier creates a notifier with no subscribers
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OnLoad subscribes to completed loads of persisted pins
func (n *Notifier) OnLoad(fn func()) {
	n.onLoad = append(n.onLoad, fn)
}

// OnReset subscribes to pin resets
func (n *Notifier) OnReset(fn func()) {
	n.onReset = append(n.onReset, fn)
}

// OnRefit subscribes to merges, refreezes and fragment resets
func (n *Notifier) OnRefit(fn RefitHandler) {
	n.onRefit = append(n.onRefit, fn)
}

func (n *Notifier) loaded() {
	for _, fn := range n.onLoad {
		fn()
	}
}

func (n *Notifier) reset() {
	for _, fn := range n.onReset {
		fn()
	}
}

func (n *Notifier) refit(merged FragmentID, absorbed []FragmentID) {
	for _, fn := range n.onRefit {
		fn(merged, absorbed)
	}
}
