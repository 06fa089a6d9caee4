package commands

// Kind names a command kind.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindRead
	KindWrite
	KindSubscribe
	KindWriteAndWait
	KindRequestMtu
	KindReadRssi
	KindStartScan
	KindStopScan
	KindStartAdvertising
	KindStopAdvertising
	KindClose
	KindComposite
)

// Scope names the mutual-exclusion scope a command kind executes in.
type Scope uint8

const (
	ScopeNone Scope = iota
	ScopeScan
	ScopeLink
	ScopeData
	ScopeAdvertise
)

// String converts a Kind to a string.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindSubscribe:
		return "subscribe"
	case KindWriteAndWait:
		return "write-and-wait"
	case KindRequestMtu:
		return "request-mtu"
	case KindReadRssi:
		return "read-rssi"
	case KindStartScan:
		return "start-scan"
	case KindStopScan:
		return "stop-scan"
	case KindStartAdvertising:
		return "start-advertising"
	case KindStopAdvertising:
		return "stop-advertising"
	case KindClose:
		return "close"
	case KindComposite:
		return "composite"
	}

	return "unknown"
}

// Scope returns the mutual-exclusion scope of the kind.
func (k Kind) Scope() Scope {
	switch k {
	case KindConnect, KindDisconnect:
		return ScopeLink

	case KindRead, KindWrite, KindSubscribe, KindWriteAndWait, KindRequestMtu, KindReadRssi:
		return ScopeData

	case KindStartScan, KindStopScan:
		return ScopeScan

	case KindStartAdvertising, KindStopAdvertising:
		return ScopeAdvertise
	}

	return ScopeNone
}

// Immediate reports whether commands of this kind bypass the queue order.
func (k Kind) Immediate() bool {
	switch k {
	case KindClose, KindDisconnect, KindStopScan, KindStopAdvertising:
		return true
	}

	return false
}

// RequiresRadio reports whether commands of this kind need the radio to be
// enabled. Teardown kinds always run so that resources can be released.
func (k Kind) RequiresRadio() bool {
	return !k.Immediate() && k != KindComposite
}

// String converts a Scope to a string.
func (s Scope) String() string {
	switch s {
	case ScopeScan:
		return "scan"
	case ScopeLink:
		return "link"
	case ScopeData:
		return "data"
	case ScopeAdvertise:
		return "advertise"
	}

	return "none"
}

// Receiver executes commands against one resource. There is one method per
// command kind; receivers which cannot run a kind fail the command with a
// not-supported error.
type Receiver interface {
	Connect(c *Connect)
	Disconnect(c *Disconnect)
	Read(c *Read)
	Write(c *Write)
	Subscribe(c *Subscribe)
	WriteAndWait(c *WriteAndWait)
	RequestMtu(c *RequestMtu)
	ReadRssi(c *ReadRssi)
	StartScan(c *StartScan)
	StopScan(c *StopScan)
	StartAdvertising(c *StartAdvertising)
	StopAdvertising(c *StopAdvertising)
	Close(c *Close)
}
