package device

// Display is the rendering surface for the wearable. The session manager
// pushes updates through it; layout, fonts and battery measurement are the
// implementation's concern.
type Display interface {
	ShowMessage(text string)
	SetConnectionState(state ConnectionState)
	SetBattery(percent int)
}

// NopDisplay discards all updates. Used when the device runs headless,
// and in tests.
type NopDisplay struct{}

func (NopDisplay) ShowMessage(string)                 {}
func (NopDisplay) SetConnectionState(ConnectionState) {}
func (NopDisplay) SetBattery(int)                     {}
