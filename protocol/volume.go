package protocol

import (
	"math"

	"github.com/rigado/shieldlink"
)

// ToNative scales an internal volume (0-127) to the host range 0..nativeMax.
func ToNative(internal, nativeMax int) int {
	if nativeMax <= 0 {
		return 0
	}
	internal = ClampVolume(internal)
	return int(math.Round(float64(internal) / shieldlink.MaxVolume * float64(nativeMax)))
}

// FromNative scales a host volume in 0..nativeMax to the internal range.
func FromNative(native, nativeMax int) int {
	if nativeMax <= 0 {
		return 0
	}
	if native < 0 {
		native = 0
	}
	if native > nativeMax {
		native = nativeMax
	}
	return int(math.Round(float64(native) / float64(nativeMax) * shieldlink.MaxVolume))
}

// ClampVolume limits v to 0..127.
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > shieldlink.MaxVolume {
		return shieldlink.MaxVolume
	}
	return v
}
