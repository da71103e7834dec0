package plugin

// MountEvent is one hot-plug mount observed by a MountDetector.
type MountEvent struct {
	// DeviceID is a stable identifier for the device, such as a volume UUID
	// or serial number; it survives across mount/unmount cycles and is used
	// as the device's uuid.
	DeviceID string
	// MountPath is the filesystem path the volume is mounted at.
	MountPath string
	// VolumeLabel is the user-facing volume label, used as the device's
	// default display name.
	VolumeLabel string
}

// MountDetector is the platform-specific half of UsbStorage: event-driven
// detection of removable-volume mount/unmount, filtered to exclude internal
// and system partitions.
type MountDetector interface {
	Events() <-chan MountEvent
	Unmounts() <-chan string
	Start() error
	Stop()
}
