package browser

// DeviceSize names a viewport preset.
type DeviceSize string

const (
	DeviceDesktop DeviceSize = "desktop"
	DeviceLaptop  DeviceSize = "laptop"
	DeviceTablet  DeviceSize = "tablet"
	DeviceMobile  DeviceSize = "mobile"
)

// Rotation is the viewport orientation.
type Rotation string

const (
	RotationLandscape Rotation = "landscape"
	RotationPortrait  Rotation = "portrait"
)

// Viewport is a concrete pixel size after applying rotation.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Presets are stored in their natural orientation: landscape for desktop and
// laptop, portrait for tablet and mobile.
var devicePresets = map[DeviceSize]Viewport{
	DeviceDesktop: {Width: 1920, Height: 1080},
	DeviceLaptop:  {Width: 1280, Height: 800},
	DeviceTablet:  {Width: 820, Height: 1050},
	DeviceMobile:  {Width: 393, Height: 740},
}

// DefaultRotation returns the natural orientation for a device preset.
func DefaultRotation(device DeviceSize) Rotation {
	switch device {
	case DeviceTablet, DeviceMobile:
		return RotationPortrait
	default:
		return RotationLandscape
	}
}

// ValidDevice reports whether the device name is a known preset.
func ValidDevice(device DeviceSize) bool {
	_, ok := devicePresets[device]
	return ok
}

// ViewportFor resolves a device preset and rotation to pixel dimensions. An
// empty rotation selects the device default; rotating away from the natural
// orientation swaps width and height.
func ViewportFor(device DeviceSize, rotation Rotation) Viewport {
	vp, ok := devicePresets[device]
	if !ok {
		vp = devicePresets[DeviceLaptop]
		device = DeviceLaptop
	}
	if rotation == "" {
		rotation = DefaultRotation(device)
	}
	if rotation != DefaultRotation(device) {
		vp.Width, vp.Height = vp.Height, vp.Width
	}
	return vp
}
