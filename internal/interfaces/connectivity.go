package interfaces

// Subscription detaches the listeners it was created for. Close is idempotent.
type Subscription interface {
	Close()
}

// ConnectivityMonitor translates platform online/offline signals into callbacks
type ConnectivityMonitor interface {
	// Subscribe registers both callbacks; either may be nil
	Subscribe(onOnline, onOffline func()) Subscription

	// SetOnline delivers a platform signal
	SetOnline(online bool)

	IsOnline() bool
}
